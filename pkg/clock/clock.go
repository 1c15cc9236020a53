package clock

import (
	"sync"
	"time"
)

// Clock provides the monotonic millisecond time base and the wall clock.
type Clock interface {
	// Now returns milliseconds since boot. It never decreases.
	Now() int64
	// Wall returns the current wall-clock time.
	Wall() time.Time
}

// System is a Clock backed by the process monotonic clock.
type System struct {
	boot time.Time
}

// Ensure System implements Clock.
var _ Clock = (*System)(nil)

// NewSystem creates a clock whose zero is the moment of the call.
func NewSystem() *System {
	return &System{boot: time.Now()}
}

// Now returns milliseconds since boot.
func (s *System) Now() int64 {
	return time.Since(s.boot).Milliseconds()
}

// Wall returns the current wall-clock time.
func (s *System) Wall() time.Time {
	return time.Now()
}

// Fake is a manually driven Clock for tests.
type Fake struct {
	mu   sync.Mutex
	now  int64
	wall time.Time
}

// Ensure Fake implements Clock.
var _ Clock = (*Fake)(nil)

// NewFake creates a fake clock at boot time zero with the given wall time.
func NewFake(wall time.Time) *Fake {
	return &Fake{wall: wall}
}

// Now returns the fake monotonic time.
func (f *Fake) Now() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Wall returns the fake wall time, advanced together with Now.
func (f *Fake) Wall() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wall
}

// Advance moves both time bases forward by d. Negative values are ignored.
func (f *Fake) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now += d.Milliseconds()
	f.wall = f.wall.Add(d)
}

// Synced reports whether wall looks NTP-synchronized rather than an RTC
// default near the epoch.
func Synced(wall time.Time) bool {
	return wall.After(syncedAfter)
}

var syncedAfter = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
