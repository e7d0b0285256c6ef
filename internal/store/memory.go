package store

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var _ Store = (*Memory)(nil)

type ramItem struct {
	key  string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

// Memory is an in-process LRU store bounded by maxBytes (0 means unbounded).
// When it overflows, the least recently used 10% of entries are dropped,
// skipping pinned partitions.
type Memory struct {
	maxBytes int64
	pin      PinFunc
	logger   *zap.Logger

	mu         sync.Mutex
	items      map[string]*ramItem
	partitions map[string]struct{}
	head       *ramItem
	tail       *ramItem
	total      int64
	closed     bool
}

func NewMemory(maxBytes int64, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		maxBytes:   maxBytes,
		logger:     logger,
		items:      map[string]*ramItem{},
		partitions: map[string]struct{}{},
	}
}

func (c *Memory) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Memory) Match(_ context.Context, partition, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Entry{}, false, ErrClosed
	}
	it, ok := c.items[compositeKey(partition, key)]
	if !ok {
		return Entry{}, false, nil
	}
	c.moveToFront(it)
	return it.ent, true, nil
}

func (c *Memory) Put(_ context.Context, partition, key string, ent Entry) error {
	sz := ent.size()
	ck := compositeKey(partition, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.partitions[partition] = struct{}{}

	if c.maxBytes > 0 && sz > c.maxBytes {
		c.logger.Debug("entry larger than memory budget, not stored",
			zap.String("partition", partition), zap.String("key", key), zap.Int64("size", sz))
		return nil
	}

	if it, ok := c.items[ck]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		return nil
	}

	for c.maxBytes > 0 && c.total+sz > c.maxBytes {
		if c.evictLocked() == 0 {
			break
		}
	}

	it := &ramItem{key: ck, ent: ent, size: sz}
	c.items[ck] = it
	c.addToFront(it)
	c.total += sz
	return nil
}

func (c *Memory) Open(_ context.Context, partition string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.partitions[partition] = struct{}{}
	return nil
}

func (c *Memory) DeletePartition(_ context.Context, partition string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	_, deleted := c.partitions[partition]
	delete(c.partitions, partition)

	prefix := partitionPrefix(partition)
	for k, it := range c.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		c.remove(it)
		delete(c.items, k)
		c.total -= it.size
		deleted = true
	}
	return deleted, nil
}

func (c *Memory) Partitions(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return sortedKeys(c.partitions), nil
}

func (c *Memory) Keys(_ context.Context, partition string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	keys := map[string]struct{}{}
	for ck := range c.items {
		p, k, ok := splitCompositeKey(ck)
		if ok && p == partition {
			keys[k] = struct{}{}
		}
	}
	return sortedKeys(keys), nil
}

func (c *Memory) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.items = map[string]*ramItem{}
	c.partitions = map[string]struct{}{}
	c.head, c.tail, c.total = nil, nil, 0
	return nil
}

// Pin keeps every entry of partitions matched by fn out of eviction.
func (c *Memory) Pin(fn PinFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pin = fn
}

// evictLocked drops up to 10% of entries, least recently used first, and
// returns how many went.
func (c *Memory) evictLocked() int {
	n := len(c.items) / 10
	if n < 1 {
		n = 1
	}
	evicted := 0
	for it := c.tail; it != nil && evicted < n; {
		prev := it.prev
		if !c.pin.pinned(it.key) {
			c.remove(it)
			delete(c.items, it.key)
			c.total -= it.size
			evicted++
		}
		it = prev
	}
	return evicted
}

func (c *Memory) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *Memory) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *Memory) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
