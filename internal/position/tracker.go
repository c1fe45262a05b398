// Package position tracks the head of the global event order.
//
// The durable source of truth is the events table: a position is assigned as
// MAX(position)+1 inside the append transaction. Tracker is the in-process
// view of that head, used by runners to decide whether work is pending and
// to wake up without polling.
package position

import (
	"sync"
	"sync/atomic"
)

// Tracker is a monotonic high-water mark of committed global positions.
//
// Observe only ever moves the head forward, so concurrent appenders that
// commit out of order never make the head go back.
//
// Thread-safety: Tracker is safe for concurrent use.
type Tracker struct {
	head atomic.Int64

	mu   sync.Mutex
	subs map[int]chan struct{}
	next int
}

// NewTracker creates a tracker starting at 0 (empty store).
func NewTracker() *Tracker {
	return NewTrackerAt(0)
}

// NewTrackerAt creates a tracker seeded with a known head, e.g. the result of
// store.HeadPosition when opening an existing database.
func NewTrackerAt(start int64) *Tracker {
	t := &Tracker{subs: make(map[int]chan struct{})}
	t.head.Store(start)
	return t
}

// Observe records that pos has been committed. Returns true if the head moved.
func (t *Tracker) Observe(pos int64) bool {
	for {
		cur := t.head.Load()
		if pos <= cur {
			return false
		}
		if t.head.CompareAndSwap(cur, pos) {
			t.notify()
			return true
		}
	}
}

// Head returns the highest committed position observed so far.
func (t *Tracker) Head() int64 {
	return t.head.Load()
}

// Pending reports whether events exist after checkpoint.
func (t *Tracker) Pending(checkpoint int64) bool {
	return t.head.Load() > checkpoint
}

// Subscribe returns a channel that receives after the head moves, and a
// cancel func that must be called when the subscriber goes away. Each
// channel has a buffer of one, so several moves between receives coalesce
// into a single signal.
//
//	changed, cancel := tracker.Subscribe()
//	defer cancel()
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-changed:
//	    // run a cycle
//	}
func (t *Tracker) Subscribe() (<-chan struct{}, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.next
	t.next++
	ch := make(chan struct{}, 1)
	t.subs[id] = ch

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

func (t *Tracker) notify() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
