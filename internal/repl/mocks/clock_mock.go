package mocks

import (
	"sort"
	"sync"
	"time"

	"replset/internal/repl/coordinator"
)

// ManualClock is a deterministic coordinator.Clock for tests: time only moves
// when Advance is called, and due callbacks fire synchronously from Advance,
// in deadline order, on the calling goroutine.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock    *ManualClock
	deadline time.Time
	fn       func()
	fired    bool
	stopped  bool
}

// NewManualClock creates a clock starting at the given time.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) coordinator.TimerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &manualTimer{clock: c, deadline: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and fires every due, unstopped timer in
// deadline order. Callbacks run without the clock lock held, so they may
// schedule or stop timers themselves.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.popDueTimer()
		if t == nil {
			return
		}
		t.fn()
	}
}

// popDueTimer claims the earliest due timer, or nil if none is due.
func (c *ManualClock) popDueTimer() *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []*manualTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.deadline.After(c.now) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	due[0].fired = true
	return due[0]
}

// PendingTimers returns how many timers are armed but not yet fired.
func (c *ManualClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			count++
		}
	}
	return count
}
