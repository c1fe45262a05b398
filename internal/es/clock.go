package es

import "time"

// Clock supplies wall-clock time for timestamps, leases and backoff.
//
// Ordering never depends on it: events are ordered by Position only.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
