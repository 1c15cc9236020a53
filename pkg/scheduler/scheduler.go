package scheduler

import (
	"context"
	"time"

	"github.com/itohio/gardenagent/pkg/clock"
)

// Task names in execution-priority order.
const (
	Sample        = "SAMPLE"
	Transmit      = "TRANSMIT"
	CommandPoll   = "COMMAND_POLL"
	Heartbeat     = "HEARTBEAT"
	WiFiReconnect = "WIFI_RECONNECT"
)

// Task is a unit of periodic work. It runs to completion on the caller's goroutine.
type Task func(now int64)

type entry struct {
	name    string
	period  int64
	next    int64
	enabled bool
	run     Task
}

// Scheduler is a cooperative table of (period, next_due, task). Tasks due in
// the same pass run in registration order.
type Scheduler struct {
	clk   clock.Clock
	tick  time.Duration
	tasks []*entry
}

// New creates a scheduler. tick bounds how long Run sleeps between passes.
func New(clk clock.Clock, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	return &Scheduler{clk: clk, tick: tick}
}

// Every registers task to run each period. The first run is due immediately.
// Registering a name twice replaces the previous task in place.
func (s *Scheduler) Every(name string, period time.Duration, task Task) {
	e := &entry{
		name:    name,
		period:  max(period.Milliseconds(), 1),
		next:    s.clk.Now(),
		enabled: true,
		run:     task,
	}
	for i, t := range s.tasks {
		if t.name == name {
			s.tasks[i] = e
			return
		}
	}
	s.tasks = append(s.tasks, e)
}

// RunDue runs every enabled task whose due time has been reached and returns
// how many ran. A task late by more than one period fires once and re-anchors
// to now.
func (s *Scheduler) RunDue(now int64) int {
	ran := 0
	for _, e := range s.tasks {
		if !e.enabled || now < e.next {
			continue
		}
		due := e.next
		e.run(now)
		ran++
		if e.next != due {
			// Re-anchored by SetPeriod from inside the task.
			continue
		}
		e.next += e.period
		if e.next <= now {
			e.next = now + e.period
		}
	}
	return ran
}

// SetPeriod changes a task period; the next run is re-anchored to now.
func (s *Scheduler) SetPeriod(name string, period time.Duration) bool {
	e := s.find(name)
	if e == nil {
		return false
	}
	e.period = max(period.Milliseconds(), 1)
	e.next = s.clk.Now() + e.period
	return true
}

// Period returns the current period of a task.
func (s *Scheduler) Period(name string) time.Duration {
	if e := s.find(name); e != nil {
		return time.Duration(e.period) * time.Millisecond
	}
	return 0
}

// SetEnabled turns a task on or off. A re-enabled task is due immediately.
func (s *Scheduler) SetEnabled(name string, enabled bool) bool {
	e := s.find(name)
	if e == nil {
		return false
	}
	if enabled && !e.enabled {
		e.next = s.clk.Now()
	}
	e.enabled = enabled
	return true
}

// Enabled reports whether the named task is enabled.
func (s *Scheduler) Enabled(name string) bool {
	e := s.find(name)
	return e != nil && e.enabled
}

// DisableAll turns every task off.
func (s *Scheduler) DisableAll() {
	for _, e := range s.tasks {
		e.enabled = false
	}
}

// NextDue returns the earliest due time of enabled tasks, or false if none are enabled.
func (s *Scheduler) NextDue() (int64, bool) {
	var (
		next  int64
		found bool
	)
	for _, e := range s.tasks {
		if !e.enabled {
			continue
		}
		if !found || e.next < next {
			next = e.next
			found = true
		}
	}
	return next, found
}

// Run drives the table until ctx is cancelled. after is called on every pass
// with the pass time, after the due tasks.
func (s *Scheduler) Run(ctx context.Context, after func(now int64)) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		now := s.clk.Now()
		s.RunDue(now)
		if after != nil {
			after(now)
		}

		wait := s.tick
		if next, ok := s.NextDue(); ok {
			if d := time.Duration(next-s.clk.Now()) * time.Millisecond; d < wait {
				wait = max(d, 0)
			}
		}
		timer.Reset(wait)
	}
}

func (s *Scheduler) find(name string) *entry {
	for _, e := range s.tasks {
		if e.name == name {
			return e
		}
	}
	return nil
}
