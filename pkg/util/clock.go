package util

import (
	"sort"
	"sync"
	"time"
)

type Clock interface {
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// Timer is the cancellable handle returned by AfterFunc.
// Stop reports whether the call prevented the function from running.
type Timer interface {
	Stop() bool
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time    { return time.After(d) }
func (RealClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
func (RealClock) Now() time.Time                            { return time.Now() }

// ManualClock only moves when Advance is called. Scheduled functions run
// synchronously on the goroutine calling Advance, in deadline order.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*manualTimer
}

type manualTimer struct {
	clock    *ManualClock
	deadline time.Time
	fn       func()
	ch       chan time.Time
	stopped  bool
	fired    bool
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.schedule(d, nil, ch)
	return ch
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.schedule(d, f, nil)
}

func (c *ManualClock) schedule(d time.Duration, f func(), ch chan time.Time) *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, deadline: c.now.Add(d), fn: f, ch: ch}
	c.pending = append(c.pending, t)
	return t
}

// Pending returns the number of armed, unstopped timers.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.pending {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Advance moves the clock forward and fires every timer whose deadline
// has been reached.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*manualTimer
	keep := c.pending[:0]
	for _, t := range c.pending {
		switch {
		case t.stopped || t.fired:
		case !t.deadline.After(now):
			t.fired = true
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	c.pending = keep
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		if t.fn != nil {
			t.fn()
		}
		if t.ch != nil {
			t.ch <- now
		}
	}
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
