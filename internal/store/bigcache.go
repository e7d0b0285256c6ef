package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"
)

var _ Store = (*BigCache)(nil)

// bigcache evicts entries older than its life window on write, and entries
// here must not expire, so the window is effectively unbounded.
const bigcacheLifeWindow = 100 * 365 * 24 * time.Hour

// BigCache keeps entries in an allegro/bigcache instance. bigcache cannot
// enumerate namespaces, so partition names are tracked alongside it.
type BigCache struct {
	cache  *bigcache.BigCache
	logger *zap.Logger

	mu         sync.RWMutex
	partitions map[string]struct{}
}

const defaultBigCacheSizeMB = 64

// NewBigCache creates a bigcache-backed store capped at sizeMB megabytes.
func NewBigCache(ctx context.Context, sizeMB int, logger *zap.Logger) (*BigCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sizeMB <= 0 {
		sizeMB = defaultBigCacheSizeMB
	}
	config := bigcache.DefaultConfig(bigcacheLifeWindow)
	config.CleanWindow = 0
	config.Shards = 64
	config.MaxEntriesInWindow = config.Shards * 4
	config.MaxEntrySize = 64 * 1024 // initial shard sizing hint only
	config.HardMaxCacheSize = sizeMB
	config.Verbose = false

	cache, err := bigcache.New(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create bigcache: %w", err)
	}
	return &BigCache{
		cache:      cache,
		logger:     logger,
		partitions: map[string]struct{}{},
	}, nil
}

func (bc *BigCache) Match(_ context.Context, partition, key string) (Entry, bool, error) {
	data, err := bc.cache.Get(compositeKey(partition, key))
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	ent, err := decodeEntry(data)
	if err != nil {
		bc.logger.Warn("Failed to decode bigcache entry", zap.String("partition", partition), zap.String("key", key), zap.Error(err))
		_ = bc.cache.Delete(compositeKey(partition, key)) // Remove corrupted entry
		return Entry{}, false, nil
	}
	return ent, true, nil
}

func (bc *BigCache) Put(_ context.Context, partition, key string, ent Entry) error {
	data, err := encodeEntry(ent)
	if err != nil {
		return fmt.Errorf("encode entry %q: %w", key, err)
	}
	if err := bc.cache.Set(compositeKey(partition, key), data); err != nil {
		return err
	}
	bc.mu.Lock()
	bc.partitions[partition] = struct{}{}
	bc.mu.Unlock()
	return nil
}

func (bc *BigCache) Open(_ context.Context, partition string) error {
	bc.mu.Lock()
	bc.partitions[partition] = struct{}{}
	bc.mu.Unlock()
	return nil
}

func (bc *BigCache) DeletePartition(ctx context.Context, partition string) (bool, error) {
	bc.mu.Lock()
	_, deleted := bc.partitions[partition]
	delete(bc.partitions, partition)
	bc.mu.Unlock()

	keys, err := bc.Keys(ctx, partition)
	if err != nil {
		return deleted, err
	}
	for _, k := range keys {
		err := bc.cache.Delete(compositeKey(partition, k))
		if err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
			return deleted, err
		}
		deleted = true
	}
	return deleted, nil
}

func (bc *BigCache) Partitions(_ context.Context) ([]string, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return sortedKeys(bc.partitions), nil
}

func (bc *BigCache) Keys(_ context.Context, partition string) ([]string, error) {
	prefix := partitionPrefix(partition)
	keys := map[string]struct{}{}
	it := bc.cache.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			return nil, err
		}
		if k := info.Key(); strings.HasPrefix(k, prefix) {
			keys[strings.TrimPrefix(k, prefix)] = struct{}{}
		}
	}
	return sortedKeys(keys), nil
}

// Len returns the number of entries across all partitions.
func (bc *BigCache) Len() int {
	return bc.cache.Len()
}

func (bc *BigCache) Close() error {
	return bc.cache.Close()
}
