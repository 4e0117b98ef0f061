package testutil

import (
	"sync"
	"time"
)

// StepClock is a deterministic wall clock for tests.
//
// Each call to Now returns the start time advanced by one more step, so
// created_at columns written during a test are reproducible and strictly
// increasing.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	calls int64
}

// DefaultClockStart is the first instant a NewStepClock hands out.
var DefaultClockStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewStepClock creates a clock starting at DefaultClockStart that advances by
// one second per call.
func NewStepClock() *StepClock {
	return &StepClock{start: DefaultClockStart, step: time.Second}
}

// Now returns the next instant.
//
// The first call returns the start time.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.start.Add(time.Duration(c.calls) * c.step)
	c.calls++
	return t
}

// Calls returns how many times Now has been called.
func (c *StepClock) Calls() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Reset rewinds the clock to its start time.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = 0
}
