// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock abstracts the time source so expiry and rate logic can run
// against replayed packet timestamps or a test clock.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Now returns the system time.
func Now() time.Time { return time.Now() }

// MockClock is a manually driven clock. Replay sets it to each packet's
// timestamp; tests advance it explicitly. After Follow it keeps ticking with
// wall time from wherever it stopped.
type MockClock struct {
	mu  sync.RWMutex
	now time.Time

	wall     func() time.Time
	followAt time.Time // wall time when Follow was called, zero while frozen
}

// NewMockClock returns a clock frozen at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t, wall: time.Now}
}

func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current()
}

func (c *MockClock) current() time.Time {
	if c.followAt.IsZero() {
		return c.now
	}
	return c.now.Add(c.wall().Sub(c.followAt))
}

// Set moves the clock to t. Moving backwards is ignored so replayed
// out-of-order packets cannot rewind expiry.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	if t.After(c.current()) {
		c.now = t
		if !c.followAt.IsZero() {
			c.followAt = c.wall()
		}
	}
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Follow releases the clock to advance with wall time from its current
// reading. Calling it again has no effect.
func (c *MockClock) Follow() {
	c.mu.Lock()
	if c.followAt.IsZero() {
		c.followAt = c.wall()
	}
	c.mu.Unlock()
}
