package scheduler

import (
	"sync"
	"time"
)

// Clock abstracts time so schedules can be driven by tests.
type Clock interface {
	Now() time.Time
	// WaitUntil returns a channel that receives once t has been reached.
	WaitUntil(t time.Time) <-chan time.Time
}

// SystemClock is the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) WaitUntil(t time.Time) <-chan time.Time {
	return time.NewTimer(time.Until(t)).C
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// FakeClock only moves when Advance is called
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) WaitUntil(t time.Time) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if !t.After(c.now) {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, waiter{at: t, ch: ch})
	return ch
}

// Advance moves the clock forward and releases every waiter that is due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
			continue
		}
		pending = append(pending, w)
	}
	c.waiters = pending
}
