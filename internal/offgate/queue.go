package offgate

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Queue record key layout, disjoint from the cache prefixes:
//
//	q:req:<id>       gob DeferredRequest
//	q:ord:<id>       gob PendingOrder
//	q:unsynced:<id>  marker, secondary index over Synced == false
//	q:seq:req        8-byte big-endian id counter
//	q:seq:ord        8-byte big-endian id counter
//
// Ids are rendered as zero-padded hex so lexical iteration order equals
// enqueue order.
const (
	reqPrefix      = "q:req:"
	ordPrefix      = "q:ord:"
	unsyncedPrefix = "q:unsynced:"
	reqSeqKey      = "q:seq:req"
	ordSeqKey      = "q:seq:ord"
)

func recordKey(prefix string, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefix, id))
}

// queueStore holds the two deferred-work collections. Every mutation is a
// synchronous LevelDB write: a record either survives a process kill or was
// never acknowledged to the page.
type queueStore struct {
	db *leveldb.DB
	mu sync.Mutex // serializes id allocation and synced-flag transitions
}

func newQueueStore(db *leveldb.DB) *queueStore {
	return &queueStore{db: db}
}

func (q *queueStore) nextID(seqKey string) (uint64, error) {
	var id uint64 = 1
	if b, err := q.db.Get([]byte(seqKey), nil); err == nil && len(b) == 8 {
		id = binary.BigEndian.Uint64(b) + 1
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	if err := q.db.Put([]byte(seqKey), buf[:], nil); err != nil {
		return 0, err
	}
	return id, nil
}

// ---- deferred requests ----

// EnqueueRequest assigns an id and client id and persists the record.
func (q *queueStore) EnqueueRequest(dr DeferredRequest) (DeferredRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, err := q.nextID(reqSeqKey)
	if err != nil {
		return DeferredRequest{}, fmt.Errorf("allocate request id: %w", err)
	}
	dr.ID = id
	if dr.ClientID == "" {
		dr.ClientID = uuid.NewString()
	}
	if dr.CreatedAt == 0 {
		dr.CreatedAt = time.Now().Unix()
	}
	b, err := encodeGob(dr)
	if err != nil {
		return DeferredRequest{}, err
	}
	if err := q.db.Put(recordKey(reqPrefix, id), b, nil); err != nil {
		return DeferredRequest{}, err
	}
	return dr, nil
}

// Requests returns all queued deferred requests in enqueue order.
func (q *queueStore) Requests() ([]DeferredRequest, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(reqPrefix)), nil)
	defer it.Release()

	var out []DeferredRequest
	for it.Next() {
		var dr DeferredRequest
		if err := decodeGob(it.Value(), &dr); err != nil {
			continue
		}
		out = append(out, dr)
	}
	return out, it.Error()
}

// RequestExists reports whether the record is still queued. Drains re-check
// right before replaying so overlapping triggers stay no-ops.
func (q *queueStore) RequestExists(id uint64) bool {
	ok, err := q.db.Has(recordKey(reqPrefix, id), nil)
	return err == nil && ok
}

// DeleteRequest removes a replayed record. Returns false when it was
// already gone, which makes concurrent drains idempotent.
func (q *queueStore) DeleteRequest(id uint64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := recordKey(reqPrefix, id)
	ok, err := q.db.Has(key, nil)
	if err != nil || !ok {
		return false, err
	}
	return true, q.db.Delete(key, nil)
}

// UpdateRequest persists attempt bookkeeping for a still-queued record.
func (q *queueStore) UpdateRequest(dr DeferredRequest) error {
	b, err := encodeGob(dr)
	if err != nil {
		return err
	}
	return q.db.Put(recordKey(reqPrefix, dr.ID), b, nil)
}

func (q *queueStore) RequestCount() int {
	return q.countPrefix(reqPrefix)
}

// ---- pending orders ----

// EnqueueOrder persists a new unsynced order and indexes it for drains.
func (q *queueStore) EnqueueOrder(po PendingOrder) (PendingOrder, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, err := q.nextID(ordSeqKey)
	if err != nil {
		return PendingOrder{}, fmt.Errorf("allocate order id: %w", err)
	}
	po.ID = id
	po.Synced = false
	if po.ClientID == "" {
		po.ClientID = uuid.NewString()
	}
	if po.CreatedAt == 0 {
		po.CreatedAt = time.Now().Unix()
	}
	b, err := encodeGob(po)
	if err != nil {
		return PendingOrder{}, err
	}
	batch := new(leveldb.Batch)
	batch.Put(recordKey(ordPrefix, id), b)
	batch.Put(recordKey(unsyncedPrefix, id), nil)
	if err := q.db.Write(batch, nil); err != nil {
		return PendingOrder{}, err
	}
	return po, nil
}

func (q *queueStore) Order(id uint64) (PendingOrder, bool) {
	b, err := q.db.Get(recordKey(ordPrefix, id), nil)
	if err != nil {
		return PendingOrder{}, false
	}
	var po PendingOrder
	if err := decodeGob(b, &po); err != nil {
		return PendingOrder{}, false
	}
	return po, true
}

// UnsyncedOrders walks the secondary index instead of scanning every order.
func (q *queueStore) UnsyncedOrders() ([]PendingOrder, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(unsyncedPrefix)), nil)
	defer it.Release()

	var ids []uint64
	for it.Next() {
		var id uint64
		if _, err := fmt.Sscanf(string(it.Key()), unsyncedPrefix+"%x", &id); err == nil {
			ids = append(ids, id)
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	out := make([]PendingOrder, 0, len(ids))
	for _, id := range ids {
		if po, ok := q.Order(id); ok && !po.Synced {
			out = append(out, po)
		}
	}
	return out, nil
}

// MarkOrderSynced flips Synced on a queued order. Returns ok=false when the
// record is gone or already synced, so duplicate drains skip the broadcast.
func (q *queueStore) MarkOrderSynced(id uint64) (PendingOrder, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	po, found := q.Order(id)
	if !found || po.Synced {
		return PendingOrder{}, false, nil
	}
	po.Synced = true
	po.SyncedAt = time.Now().Unix()
	b, err := encodeGob(po)
	if err != nil {
		return PendingOrder{}, false, err
	}
	batch := new(leveldb.Batch)
	batch.Put(recordKey(ordPrefix, id), b)
	batch.Delete(recordKey(unsyncedPrefix, id))
	if err := q.db.Write(batch, nil); err != nil {
		return PendingOrder{}, false, err
	}
	return po, true, nil
}

// UpdateOrder persists attempt bookkeeping for a still-unsynced order.
func (q *queueStore) UpdateOrder(po PendingOrder) error {
	b, err := encodeGob(po)
	if err != nil {
		return err
	}
	return q.db.Put(recordKey(ordPrefix, po.ID), b, nil)
}

func (q *queueStore) DeleteOrder(id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete(recordKey(ordPrefix, id))
	batch.Delete(recordKey(unsyncedPrefix, id))
	return q.db.Write(batch, nil)
}

// PruneSyncedOrders drops synced orders older than the cutoff. Pages have
// had their chance to read the synced flag by then.
func (q *queueStore) PruneSyncedOrders(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Unix()

	it := q.db.NewIterator(util.BytesPrefix([]byte(ordPrefix)), nil)
	var victims []uint64
	for it.Next() {
		var po PendingOrder
		if err := decodeGob(it.Value(), &po); err != nil {
			continue
		}
		if po.Synced && po.SyncedAt > 0 && po.SyncedAt < cutoff {
			victims = append(victims, po.ID)
		}
	}
	it.Release()

	for _, id := range victims {
		if err := q.DeleteOrder(id); err != nil {
			return len(victims), err
		}
	}
	return len(victims), nil
}

func (q *queueStore) UnsyncedCount() int {
	return q.countPrefix(unsyncedPrefix)
}

func (q *queueStore) countPrefix(prefix string) int {
	it := q.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}
