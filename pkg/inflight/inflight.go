// Package inflight tracks HTTP-style queries currently being executed by
// a worker, so the inbound router can flag one as cancelled when the
// cloud retracts it mid-flight.
package inflight

import "sync"

// Tracker is a concurrency-safe (msg_id -> cancelled) registry. Workers
// add an entry at request start, poll IsCancelled at safe points, and
// remove it at request completion. The inbound router is the only other
// writer, setting the cancelled flag via Cancel.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	cancelled bool
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[string]*entry)}
}

// Add registers msgID as in flight. Re-adding an id that's already
// present resets its cancelled flag.
func (t *Tracker) Add(msgID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[msgID] = &entry{}
}

// Cancel flags msgID as cancelled, reporting whether it was known. A
// cancel for an id that has already completed (and been Removed) is a
// no-op that reports false.
func (t *Tracker) Cancel(msgID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[msgID]
	if !ok {
		return false
	}
	e.cancelled = true
	return true
}

// IsCancelled reports the current cancelled state for msgID. An unknown
// id (never added, or already removed) reports false.
func (t *Tracker) IsCancelled(msgID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[msgID]
	return ok && e.cancelled
}

// Remove unregisters msgID at request completion.
func (t *Tracker) Remove(msgID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, msgID)
}

// Len reports how many queries are currently tracked, for diagnostics.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CancelAll flags every currently-tracked query as cancelled; used during
// shutdown to make every in-flight worker observe cancellation at its
// next safe point.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		e.cancelled = true
	}
}
