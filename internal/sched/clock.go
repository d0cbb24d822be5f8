package sched

import "time"

// Clock reports the current time to the loop.
type Clock interface {
	Now() time.Time
}

// WallClock is the real time clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

// VirtualClock only moves when the loop advances it.
type VirtualClock struct {
	now time.Time
}

// NewVirtualClock starts a virtual clock at a fixed epoch.
func NewVirtualClock() *VirtualClock {
	return &VirtualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *VirtualClock) Now() time.Time { return c.now }

// Set moves the clock to t. Moving backwards is ignored.
func (c *VirtualClock) Set(t time.Time) {
	if t.After(c.now) {
		c.now = t
	}
}
