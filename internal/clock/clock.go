// Package clock provides the single source of local time used by the engine.
//
// Times are expressed as a time.Duration measured from an arbitrary per-process
// epoch. Only differences and comparisons between values of the same clock are
// meaningful; values from a remote clock must be translated first (see clocksync).
package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic time source with sub-millisecond resolution.
type Clock interface {
	Now() time.Duration
}

type systemClock struct {
	start time.Time
}

// System returns a clock backed by Go's monotonic clock reading. It never goes
// backwards, regardless of wall-clock adjustments.
func System() Clock {
	return &systemClock{start: time.Now()}
}

func (c *systemClock) Now() time.Duration {
	return time.Since(c.start)
}

// Manual is a clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Duration
}

func NewManual(start time.Duration) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t. Moving backwards is ignored.
func (m *Manual) Set(t time.Duration) {
	m.mu.Lock()
	if t > m.now {
		m.now = t
	}
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now += d
	}
	return m.now
}

type shifted struct {
	base Clock
	by   time.Duration
}

// Shifted returns base offset by a constant. Used to give in-process peers
// distinct clocks.
func Shifted(base Clock, by time.Duration) Clock {
	return shifted{base: base, by: by}
}

func (s shifted) Now() time.Duration {
	return s.base.Now() + s.by
}
