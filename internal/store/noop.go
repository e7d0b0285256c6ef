package store

import "context"

var _ Store = Noop{}

// Noop is used when caching is disabled: every lookup misses and every write
// is dropped.
type Noop struct{}

func (Noop) Match(context.Context, string, string) (Entry, bool, error) {
	return Entry{}, false, nil
}

func (Noop) Put(context.Context, string, string, Entry) error { return nil }

func (Noop) Open(context.Context, string) error { return nil }

func (Noop) DeletePartition(context.Context, string) (bool, error) { return false, nil }

func (Noop) Partitions(context.Context) ([]string, error) { return nil, nil }

func (Noop) Keys(context.Context, string) ([]string, error) { return nil, nil }

func (Noop) Close() error { return nil }
