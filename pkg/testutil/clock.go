// Package testutil provides helpers shared by the token locker tests.
package testutil

import (
	"sync"
	"time"
)

// Clock is a manually driven clock with one second resolution, matching the
// ledger's unix-second timestamps.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock reading sec unix seconds.
func NewClock(sec uint32) *Clock {
	return &Clock{now: time.Unix(int64(sec), 0)}
}

// Now returns the current reading. It has the signature of time.Now.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to sec unix seconds.
func (c *Clock) Set(sec uint32) {
	c.mu.Lock()
	c.now = time.Unix(int64(sec), 0)
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Unix returns the current reading in unix seconds.
func (c *Clock) Unix() uint32 {
	return uint32(c.Now().Unix())
}
