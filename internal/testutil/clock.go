package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time of FakeClock: a fixed UTC instant so that
// timestamps in tests and golden files never depend on the wall clock.
var Epoch = time.Date(2024, time.March, 15, 9, 30, 0, 0, time.UTC)

// FakeClock is a manually advanced wall clock for tests.
//
// It implements es.Clock. Time only moves when Advance or Set is called,
// which makes lease expiry and retry backoff deterministic.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock at Epoch.
func NewFakeClock() *FakeClock {
	return NewFakeClockAt(Epoch)
}

// NewFakeClockAt creates a clock at the given instant.
func NewFakeClockAt(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set jumps the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
