package store

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var _ Store = (*Tiered)(nil)

// Tiered composes stores ordered fastest first (for example memory over
// leveldb). Reads return the first hit and copy it into the faster layers;
// writes and deletes go to every layer.
type Tiered struct {
	layers []Store
	logger *zap.Logger
}

func NewTiered(layers []Store, logger *zap.Logger) *Tiered {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiered{layers: layers, logger: logger}
}

func (t *Tiered) Match(ctx context.Context, partition, key string) (Entry, bool, error) {
	var errs []error
	for i, layer := range t.layers {
		ent, ok, err := layer.Match(ctx, partition, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		for _, upper := range t.layers[:i] {
			if err := upper.Put(ctx, partition, key, ent); err != nil {
				t.logger.Debug("Failed to promote entry", zap.String("key", key), zap.Error(err))
			}
		}
		return ent, true, nil
	}
	// a miss in a healthy layer is still a miss
	if len(errs) == len(t.layers) && len(errs) > 0 {
		return Entry{}, false, errors.Join(errs...)
	}
	return Entry{}, false, nil
}

func (t *Tiered) Put(ctx context.Context, partition, key string, ent Entry) error {
	var errs []error
	for _, layer := range t.layers {
		if err := layer.Put(ctx, partition, key, ent); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Tiered) Open(ctx context.Context, partition string) error {
	var errs []error
	for _, layer := range t.layers {
		if err := layer.Open(ctx, partition); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Tiered) DeletePartition(ctx context.Context, partition string) (bool, error) {
	var (
		deleted bool
		errs    []error
	)
	for _, layer := range t.layers {
		ok, err := layer.DeletePartition(ctx, partition)
		if err != nil {
			errs = append(errs, err)
		}
		deleted = deleted || ok
	}
	return deleted, errors.Join(errs...)
}

func (t *Tiered) Partitions(ctx context.Context) ([]string, error) {
	return t.union(func(s Store) ([]string, error) { return s.Partitions(ctx) })
}

func (t *Tiered) Keys(ctx context.Context, partition string) ([]string, error) {
	return t.union(func(s Store) ([]string, error) { return s.Keys(ctx, partition) })
}

func (t *Tiered) union(list func(Store) ([]string, error)) ([]string, error) {
	seen := map[string]struct{}{}
	for _, layer := range t.layers {
		names, err := list(layer)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			seen[n] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

func (t *Tiered) Close() error {
	var errs []error
	for _, layer := range t.layers {
		if err := layer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pin forwards fn to every layer that evicts on a byte budget.
func (t *Tiered) Pin(fn PinFunc) {
	for _, layer := range t.layers {
		if p, ok := layer.(Pinner); ok {
			p.Pin(fn)
		}
	}
}
