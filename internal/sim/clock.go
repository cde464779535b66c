package sim

import (
	"sync"
	"time"
)

// VirtualClock is a device.Clock whose Sleep returns immediately after
// moving time forward. Paired with a Logger it replays a full exchange in
// microseconds.
type VirtualClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept += d
	c.mu.Unlock()
}

// Slept is the total virtual time spent sleeping.
func (c *VirtualClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}
