package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Time only moves when Advance
// or Set is called; After waiters fire once the clock passes their deadline.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Stepping returns a FakeClock whose After calls complete immediately and
// move the clock forward by the requested duration. It suits loops that wait
// between iterations: every wait is observable in Now() without any
// goroutine coordination.
func Stepping(initial time.Time) *FakeClock {
	return &FakeClock{current: initial, stepping: true}
}

// FakeClock is a deterministic Clock for tests. It is safe for concurrent use.
type FakeClock struct {
	mu       sync.Mutex
	current  time.Time
	stepping bool
	waiters  []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that fires when the fake clock reaches now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	if c.stepping {
		c.current = c.current.Add(d)
		ch <- c.current
		c.fireLocked()
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{deadline: c.current.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline has been reached.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	c.fireLocked()
}

// Set moves the clock to t (forwards or backwards) and fires due waiters.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
	c.fireLocked()
}

// Waiters reports how many After channels are still pending.
func (c *FakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *FakeClock) fireLocked() {
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if c.current.Before(w.deadline) {
			pending = append(pending, w)
			continue
		}
		w.ch <- c.current
	}
	c.waiters = pending
}
