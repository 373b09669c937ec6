// Package clock is the single source of "now" for every component that compares
// time: backoff gates, lease expiry and state timestamps.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns a Clock backed by the wall clock, in UTC.
func System() Clock { return systemClock{} }

// Normalize returns c, or the system clock when c is nil.
func Normalize(c Clock) Clock {
	if c == nil {
		return System()
	}
	return c
}

// Millis returns the epoch milliseconds reported by c.
func Millis(c Clock) int64 {
	return Normalize(c).Now().UnixMilli()
}

// Manual is a Clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManual creates a manual clock frozen at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// NewManualMillis creates a manual clock frozen at the given epoch millis.
func NewManualMillis(ms int64) *Manual {
	return NewManual(time.UnixMilli(ms))
}

func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}
