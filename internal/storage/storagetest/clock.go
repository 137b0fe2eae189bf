// Package storagetest holds the behavioural contract every storage
// backend has to satisfy.
package storagetest

import (
	"sync"
	"time"
)

// Epoch is the wall time every contract clock starts at.
var Epoch = time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source shared between a test and the
// store under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: Epoch}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
