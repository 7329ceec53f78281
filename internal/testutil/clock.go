package testutil

import "time"

// FixedClock is a core.ClockSource test double that advances only when
// told to, keeping pure computations reproducible in tests.
type FixedClock struct {
	now time.Time
}

// NewFixedClock constructs a FixedClock starting at now.
func NewFixedClock(now time.Time) *FixedClock {
	return &FixedClock{now: now}
}

func (c *FixedClock) Now() time.Time { return c.now }

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
