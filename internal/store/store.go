// Package store holds the partitioned response cache. A partition is a named
// container (for example "static-v3"); entries inside it are keyed by the
// absolute request URL.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
)

//go:generate mockgen -package=mock -source=store.go -destination=mock/store.go

// Store is a namespaced key-value store of request URL -> response, split into
// independently named partitions.
//
// Implementations must be safe for concurrent use. Overlapping writes to the
// same key resolve as last-writer-wins.
type Store interface {
	// Match looks up key in partition. A miss is (Entry{}, false, nil).
	Match(ctx context.Context, partition, key string) (Entry, bool, error)
	// Put stores ent under key, creating the partition if needed.
	Put(ctx context.Context, partition, key string, ent Entry) error
	// Open creates the partition if it does not exist yet.
	Open(ctx context.Context, partition string) error
	// DeletePartition removes the partition and every entry in it. It
	// reports whether anything was deleted.
	DeletePartition(ctx context.Context, partition string) (bool, error)
	// Partitions lists partition names in lexical order.
	Partitions(ctx context.Context) ([]string, error)
	// Keys lists the keys stored in partition in lexical order.
	Keys(ctx context.Context, partition string) ([]string, error)
	Close() error
}

// PinFunc reports whether entries of a partition must survive eviction.
type PinFunc func(partition string) bool

// Pinner is implemented by stores that evict on a byte budget.
type Pinner interface {
	Pin(fn PinFunc)
}

func (fn PinFunc) pinned(ck string) bool {
	if fn == nil {
		return false
	}
	p, _, _ := splitCompositeKey(ck)
	return fn(p)
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

const keySep = "\x00"

func compositeKey(partition, key string) string {
	return partition + keySep + key
}

func splitCompositeKey(ck string) (partition, key string, ok bool) {
	return strings.Cut(ck, keySep)
}

func partitionPrefix(partition string) string {
	return partition + keySep
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
