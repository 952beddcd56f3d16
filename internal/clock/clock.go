package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by services.
type Clock interface {
	Now() time.Time
}

// Real returns the wall clock in UTC.
type Real struct{}

// Now returns the current UTC time truncated to whole seconds.
func (Real) Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Manual is a controllable clock for tests.
// It is safe for concurrent use.
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManual creates a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (c *Manual) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *Manual) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

func (c *Manual) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
