// Package outqueue is the bounded outbound query queue: a single-consumer
// FIFO with optional dedup, a lock/unlock barrier for shutdown, and a
// companion batch queue for bulk outbound messages.
package outqueue

import (
	"fmt"
	"sync"

	"github.com/netdata/aclk"
)

// ErrLocked is returned by Enqueue once the queue has been locked; the
// query passed to Enqueue is considered freed by the caller in this case.
var ErrLocked = fmt.Errorf("outqueue: locked, enqueue rejected")

// ErrFull is returned by Enqueue when the queue is at its bound and no
// dedup collapse applies.
var ErrFull = fmt.Errorf("outqueue: full")

// Counters are the queue's metrics surface.
type Counters struct {
	Queued      uint64
	Dispatched  uint64
	Dropped     uint64
	DedupedAway uint64
	PerType     map[aclk.QueryType]uint64
}

// Queue is a bounded FIFO of *aclk.Query with best-effort dedup by
// (Type, DedupID). It is safe for one producer-side Enqueue caller and
// one consumer-side Dequeue caller to use concurrently; multiple
// producers may call Enqueue concurrently too.
type Queue struct {
	mu       sync.Mutex
	items    []*aclk.Query
	index    map[dedupKey]int // position in items, for O(1) collapse lookup
	capacity int
	locked   bool

	counters Counters
}

type dedupKey struct {
	t   aclk.QueryType
	did string
}

// New creates a Queue bounded at capacity items (0 means unbounded).
func New(capacity int) *Queue {
	return &Queue{
		capacity: capacity,
		index:    make(map[dedupKey]int),
		counters: Counters{PerType: make(map[aclk.QueryType]uint64)},
	}
}

// Enqueue appends q to the tail, or collapses it into an existing entry
// with the same (Type, DedupID) when q.DedupID is non-empty. The later
// insert always wins on collapse: its payload replaces the cached one,
// preserving the original queue position (dedup never reorders).
func (qu *Queue) Enqueue(q *aclk.Query) error {
	qu.mu.Lock()
	defer qu.mu.Unlock()

	if qu.locked {
		qu.counters.Dropped++
		return ErrLocked
	}

	if q.DedupID != "" {
		key := dedupKey{t: q.Type, did: q.DedupID}
		if pos, ok := qu.index[key]; ok {
			qu.items[pos] = q
			qu.counters.DedupedAway++
			return nil
		}
		if qu.capacity > 0 && len(qu.items) >= qu.capacity {
			qu.counters.Dropped++
			return ErrFull
		}
		qu.index[key] = len(qu.items)
		qu.items = append(qu.items, q)
		qu.counters.Queued++
		qu.counters.PerType[q.Type]++
		return nil
	}

	if qu.capacity > 0 && len(qu.items) >= qu.capacity {
		qu.counters.Dropped++
		return ErrFull
	}
	qu.items = append(qu.items, q)
	qu.counters.Queued++
	qu.counters.PerType[q.Type]++
	return nil
}

// Dequeue pops the head, or reports ok=false if the queue is empty. It
// never blocks; the event loop is expected to poll it on its own wake
// schedule rather than parking a goroutine in Dequeue.
func (qu *Queue) Dequeue() (q *aclk.Query, ok bool) {
	qu.mu.Lock()
	defer qu.mu.Unlock()
	return qu.dequeueLocked()
}

func (qu *Queue) dequeueLocked() (*aclk.Query, bool) {
	if len(qu.items) == 0 {
		return nil, false
	}
	q := qu.items[0]
	qu.items = qu.items[1:]
	qu.reindex()
	qu.counters.Dispatched++
	return q, true
}

// reindex rebuilds the dedup position index after a pop shifts every
// remaining element's index down by one. The queue's dedup table is
// small (bounded by capacity), so a full rebuild per pop is cheap and
// avoids subtle off-by-one bugs from incremental index maintenance.
func (qu *Queue) reindex() {
	for k := range qu.index {
		delete(qu.index, k)
	}
	for i, it := range qu.items {
		if it.DedupID != "" {
			qu.index[dedupKey{t: it.Type, did: it.DedupID}] = i
		}
	}
}

// Lock sets the barrier flag; subsequent Enqueue calls fail with
// ErrLocked until Unlock.
func (qu *Queue) Lock() {
	qu.mu.Lock()
	defer qu.mu.Unlock()
	qu.locked = true
}

// Unlock clears the barrier flag.
func (qu *Queue) Unlock() {
	qu.mu.Lock()
	defer qu.mu.Unlock()
	qu.locked = false
}

// Flush drains every remaining item, returning them for the caller to
// free (or, more commonly, simply discards its return value during
// shutdown: the queue owns no records once Flush returns).
func (qu *Queue) Flush() []*aclk.Query {
	qu.mu.Lock()
	defer qu.mu.Unlock()
	drained := qu.items
	qu.items = nil
	for k := range qu.index {
		delete(qu.index, k)
	}
	return drained
}

// Len reports the current depth.
func (qu *Queue) Len() int {
	qu.mu.Lock()
	defer qu.mu.Unlock()
	return len(qu.items)
}

// Counters returns a snapshot of the queue's metrics.
func (qu *Queue) Counters() Counters {
	qu.mu.Lock()
	defer qu.mu.Unlock()
	perType := make(map[aclk.QueryType]uint64, len(qu.counters.PerType))
	for k, v := range qu.counters.PerType {
		perType[k] = v
	}
	c := qu.counters
	c.PerType = perType
	return c
}

// BatchThreshold is the item count at which the batch queue converts
// itself into one worker job, independent of the timer.
const BatchThreshold = 64

// BatchQueue accumulates batchable outbound messages until BatchThreshold
// is reached or the event-loop timer fires, then hands the whole batch to
// one worker as a single job, preserving FIFO within the batch.
type BatchQueue struct {
	mu    sync.Mutex
	items []*aclk.Query
}

// NewBatchQueue returns an empty BatchQueue.
func NewBatchQueue() *BatchQueue {
	return &BatchQueue{}
}

// Add appends one item, reporting whether the batch has now reached
// BatchThreshold (the caller should convert it to a worker job when true).
func (bq *BatchQueue) Add(q *aclk.Query) (readyToFlush bool) {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	bq.items = append(bq.items, q)
	return len(bq.items) >= BatchThreshold
}

// TakeAll atomically removes and returns everything accumulated so far,
// in FIFO order, for conversion into one worker job.
func (bq *BatchQueue) TakeAll() []*aclk.Query {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	items := bq.items
	bq.items = nil
	return items
}

// Len reports the current batch size.
func (bq *BatchQueue) Len() int {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	return len(bq.items)
}
