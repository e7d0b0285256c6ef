package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

var _ Store = (*LevelDB)(nil)

// Key layout:
//
//	p:<partition>            partition marker
//	e:<partition>\x00<key>   gob Entry
//	m:<partition>\x00<key>   gob diskMeta
const (
	partitionTag = "p:"
	entryTag     = "e:"
	metaTag      = "m:"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
}

// LevelDB is the durable store. Writes are synchronous batches so a Put is
// visible to the next Match.
type LevelDB struct {
	maxBytes int64
	logger   *zap.Logger

	db *leveldb.DB

	mu        sync.Mutex
	pin       PinFunc
	index     map[string]diskMeta
	totalSize int64
}

// OpenLevelDB opens (or creates) the database directory at path.
func OpenLevelDB(path string, maxBytes int64, logger *zap.Logger) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	d, err := NewLevelDB(db, maxBytes, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// NewLevelDB wraps an already opened database. The store owns db afterwards.
func NewLevelDB(db *leveldb.DB, maxBytes int64, logger *zap.Logger) (*LevelDB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &LevelDB{
		maxBytes: maxBytes,
		logger:   logger,
		db:       db,
		index:    map[string]diskMeta{},
	}
	if err := d.loadIndex(); err != nil {
		return nil, fmt.Errorf("load leveldb index: %w", err)
	}
	return d, nil
}

func (d *LevelDB) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(metaTag)), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(metaTag)))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *LevelDB) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *LevelDB) Match(_ context.Context, partition, key string) (Entry, bool, error) {
	ck := compositeKey(partition, key)
	b, err := d.db.Get([]byte(entryTag+ck), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	ent, err := decodeEntry(b)
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode entry %q: %w", key, err)
	}

	d.mu.Lock()
	if meta, ok := d.index[ck]; ok {
		meta.LastAccess = time.Now().Unix()
		d.index[ck] = meta
	}
	d.mu.Unlock()
	return ent, true, nil
}

func (d *LevelDB) Put(_ context.Context, partition, key string, ent Entry) error {
	b, err := encodeEntry(ent)
	if err != nil {
		return fmt.Errorf("encode entry %q: %w", key, err)
	}
	ck := compositeKey(partition, key)
	meta := diskMeta{Size: int64(len(b)), LastAccess: time.Now().Unix()}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(partitionTag+partition), nil)
	batch.Put([]byte(entryTag+ck), b)
	batch.Put([]byte(metaTag+ck), mb)
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	if old, ok := d.index[ck]; ok {
		d.totalSize -= old.Size
	}
	d.index[ck] = meta
	d.totalSize += meta.Size
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSome()
	}
	return nil
}

func (d *LevelDB) Open(_ context.Context, partition string) error {
	return d.db.Put([]byte(partitionTag+partition), nil, nil)
}

func (d *LevelDB) DeletePartition(_ context.Context, partition string) (bool, error) {
	pk := []byte(partitionTag + partition)
	deleted, err := d.db.Has(pk, nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(pk)

	prefix := partitionPrefix(partition)
	var removed []string
	it := d.db.NewIterator(util.BytesPrefix([]byte(entryTag+prefix)), nil)
	for it.Next() {
		ck := string(bytes.TrimPrefix(it.Key(), []byte(entryTag)))
		batch.Delete([]byte(entryTag + ck))
		batch.Delete([]byte(metaTag + ck))
		removed = append(removed, ck)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := d.db.Write(batch, nil); err != nil {
		return false, err
	}

	d.mu.Lock()
	for _, ck := range removed {
		if meta, ok := d.index[ck]; ok {
			d.totalSize -= meta.Size
			delete(d.index, ck)
		}
	}
	d.mu.Unlock()

	return deleted || len(removed) > 0, nil
}

func (d *LevelDB) Partitions(_ context.Context) ([]string, error) {
	it := d.db.NewIterator(util.BytesPrefix([]byte(partitionTag)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(partitionTag))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *LevelDB) Keys(_ context.Context, partition string) ([]string, error) {
	prefix := entryTag + partitionPrefix(partition)
	it := d.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(prefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *LevelDB) Close() error {
	return d.db.Close()
}

// Pin keeps every entry of partitions matched by fn out of eviction.
func (d *LevelDB) Pin(fn PinFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pin = fn
}

// evictSome drops the least recently accessed 10% of entries. Partition
// markers and pinned partitions are kept.
func (d *LevelDB) evictSome() {
	d.mu.Lock()
	items := make([]struct {
		key string
		m   diskMeta
	}, 0, len(d.index))
	for k, m := range d.index {
		if d.pin.pinned(k) {
			continue
		}
		items = append(items, struct {
			key string
			m   diskMeta
		}{k, m})
	}
	d.mu.Unlock()
	if len(items) == 0 {
		return
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}

	batch := new(leveldb.Batch)
	for i := 0; i < n && i < len(items); i++ {
		batch.Delete([]byte(entryTag + items[i].key))
		batch.Delete([]byte(metaTag + items[i].key))
	}
	if err := d.db.Write(batch, nil); err != nil {
		d.logger.Warn("leveldb eviction failed", zap.Error(err))
		return
	}

	d.mu.Lock()
	for i := 0; i < n && i < len(items); i++ {
		if meta, ok := d.index[items[i].key]; ok {
			d.totalSize -= meta.Size
			delete(d.index, items[i].key)
		}
	}
	d.mu.Unlock()
	d.logger.Debug("leveldb store over budget, evicted entries", zap.Int("count", n))
}
