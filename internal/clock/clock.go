// Package clock provides the monotonic time source and the deadline-based
// timer set that drive a connection's event loop. Timers do not run
// goroutines of their own: the owner asks for the earliest deadline, sleeps
// until then, and calls [Timers.Expired] to collect what fired. This keeps
// every timer callback on the connection's single event loop and lets tests
// advance time by hand with [Manual].
package clock

import (
	"sync"
	"time"
)

// Clock is a time source.
type Clock interface {
	Now() time.Time
}

// System is the real monotonic clock.
type System struct{}

// Now returns time.Now, which carries a monotonic reading.
func (System) Now() time.Time { return time.Now() }

// Manual is a clock that only moves when told to. It is safe for
// concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set moves the clock to t if t is later than the current time.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.now) {
		m.now = t
	}
}
