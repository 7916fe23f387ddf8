package offgate

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key layout:
//
//	c:<partition>\x00<url>   gob ResponseSnapshot
//	cm:<partition>\x00<url>  gob entryMeta
//
// The \x00 separator keeps partition names and request keys unambiguous in
// prefix scans. Queue records live under a disjoint q: prefix (queue.go).
const (
	entryPrefix = "c:"
	metaPrefix  = "cm:"
	keySep      = "\x00"
)

type entryMeta struct {
	Size       int64
	LastAccess int64
}

// cacheStore owns the named cache partitions: a LevelDB tier for durability
// plus a RAM LRU front. Writes are committed synchronously so a snapshot
// survives a process kill at any later suspension point.
type cacheStore struct {
	db       *leveldb.DB
	ram      *ramCache
	maxBytes int64

	mu        sync.Mutex
	index     map[string]map[string]entryMeta // partition -> key -> meta
	totalSize int64
}

func openCacheStore(db *leveldb.DB, ramMax, diskMax int64) (*cacheStore, error) {
	s := &cacheStore{
		db:       db,
		ram:      newRAMCache(ramMax),
		maxBytes: diskMax,
		index:    map[string]map[string]entryMeta{},
	}
	if err := s.loadIndex(); err != nil {
		return nil, fmt.Errorf("load cache index: %w", err)
	}
	return s, nil
}

func (s *cacheStore) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]map[string]entryMeta{}
	for it.Next() {
		part, key, ok := splitEntryKey(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))
		if !ok {
			continue
		}
		var meta entryMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		if idx[part] == nil {
			idx[part] = map[string]entryMeta{}
		}
		idx[part][key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

func splitEntryKey(b []byte) (partition, key string, ok bool) {
	i := bytes.Index(b, []byte(keySep))
	if i < 0 {
		return "", "", false
	}
	return string(b[:i]), string(b[i+1:]), true
}

func entryKey(partition, key string) []byte {
	return []byte(entryPrefix + partition + keySep + key)
}

func metaKey(partition, key string) []byte {
	return []byte(metaPrefix + partition + keySep + key)
}

// Get returns the stored snapshot for key in partition. RAM tier first,
// LevelDB on miss (refilling RAM). A read error counts as a miss.
func (s *cacheStore) Get(partition, key string) (ResponseSnapshot, bool) {
	if snap, ok := s.ram.Get(partition + keySep + key); ok {
		s.touch(partition, key)
		return snap, true
	}
	b, err := s.db.Get(entryKey(partition, key), nil)
	if err != nil {
		return ResponseSnapshot{}, false
	}
	var snap ResponseSnapshot
	if err := decodeGob(b, &snap); err != nil {
		return ResponseSnapshot{}, false
	}
	s.ram.Put(partition+keySep+key, snap)
	s.touch(partition, key)
	return snap, true
}

// Put overwrites the snapshot for key in partition. Existing entries are
// replaced whole; last write wins on concurrent revalidations.
func (s *cacheStore) Put(partition, key string, snap ResponseSnapshot) error {
	b, err := encodeGob(snap)
	if err != nil {
		return err
	}
	meta := entryMeta{Size: int64(len(b)), LastAccess: time.Now().Unix()}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(partition, key), b)
	batch.Put(metaKey(partition, key), mb)
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}

	s.ram.Put(partition+keySep+key, snap)

	s.mu.Lock()
	if s.index[partition] == nil {
		s.index[partition] = map[string]entryMeta{}
	}
	if old, ok := s.index[partition][key]; ok {
		s.totalSize -= old.Size
	}
	s.index[partition][key] = meta
	s.totalSize += meta.Size
	over := s.maxBytes > 0 && s.totalSize > s.maxBytes
	s.mu.Unlock()

	if over {
		s.evictSome()
	}
	return nil
}

func (s *cacheStore) Delete(partition, key string) {
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(partition, key))
	batch.Delete(metaKey(partition, key))
	_ = s.db.Write(batch, nil)

	s.ram.Delete(partition + keySep + key)

	s.mu.Lock()
	if meta, ok := s.index[partition][key]; ok {
		s.totalSize -= meta.Size
		delete(s.index[partition], key)
		if len(s.index[partition]) == 0 {
			delete(s.index, partition)
		}
	}
	s.mu.Unlock()
}

// touch bumps LastAccess in the in-memory index only; access times are not
// worth a disk write per hit and survive well enough via Put.
func (s *cacheStore) touch(partition, key string) {
	now := time.Now().Unix()
	s.mu.Lock()
	if meta, ok := s.index[partition][key]; ok {
		meta.LastAccess = now
		s.index[partition][key] = meta
	}
	s.mu.Unlock()
}

// Partitions lists every partition that currently holds at least one entry.
func (s *cacheStore) Partitions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.index))
	for p := range s.index {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *cacheStore) Keys(partition string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.index[partition]))
	for k := range s.index[partition] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *cacheStore) EntryCount(partition string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index[partition])
}

func (s *cacheStore) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

// DropPartition deletes every entry of the named partition. Used by
// activation to evict superseded versions and the legacy umbrella cache.
func (s *cacheStore) DropPartition(partition string) error {
	prefix := partition + keySep

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+prefix)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	it = s.db.NewIterator(util.BytesPrefix([]byte(metaPrefix+prefix)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}

	s.ram.DeletePrefix(prefix)

	s.mu.Lock()
	for _, meta := range s.index[partition] {
		s.totalSize -= meta.Size
	}
	delete(s.index, partition)
	s.mu.Unlock()
	return nil
}

// evictSome drops the least-recently-used tenth of entries when the disk
// budget is exceeded. Queue records are untouched; they live outside the
// cache prefixes.
func (s *cacheStore) evictSome() {
	type victim struct {
		partition string
		key       string
		meta      entryMeta
	}
	s.mu.Lock()
	items := make([]victim, 0, 64)
	for p, keys := range s.index {
		for k, m := range keys {
			items = append(items, victim{p, k, m})
		}
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].meta.LastAccess < items[j].meta.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		s.Delete(items[i].partition, items[i].key)
	}
}

// ---- ram front tier ----

type ramItem struct {
	key  string
	snap ResponseSnapshot
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) Get(key string) (ResponseSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return ResponseSnapshot{}, false
	}
	c.moveToFront(it)
	return it.snap, true
}

func (c *ramCache) Put(key string, snap ResponseSnapshot) {
	sz := int64(len(snap.Body)) + 512 // rough header/struct overhead
	if c.maxBytes > 0 && sz > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.snap = snap
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		return
	}

	for c.maxBytes > 0 && c.total+sz > c.maxBytes && c.tail != nil {
		c.dropLocked(c.tail)
	}

	it := &ramItem{key: key, snap: snap, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.dropLocked(it)
	}
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.dropLocked(it)
		}
	}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) dropLocked(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
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

func (c *ramCache) remove(it *ramItem) {
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

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
