package testutil

import (
	"sync"
	"time"
)

// FakeClock is a virtual clock for driving timeout and backoff paths in
// tests without wall-clock waits.
type FakeClock struct {
	mu       sync.Mutex
	now      time.Time
	autoFire bool
	waiters  []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewFakeClock returns a manual clock: After channels fire only when the
// test calls Advance past their deadline.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// NewAutoClock returns a clock whose After channels fire immediately,
// advancing virtual time by the requested duration. Useful for tests where
// every wait (timeout or backoff) should elapse instantly.
func NewAutoClock(start time.Time) *FakeClock {
	return &FakeClock{now: start, autoFire: true}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if c.autoFire {
		c.now = c.now.Add(d)
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, waiter{at: c.now.Add(d), ch: ch})
	return ch
}

// Advance moves virtual time forward and fires every waiter whose deadline
// has passed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}
