// Package stacktest provides deterministic building blocks for testing the
// network stack: a manual clock, a scheduler that advances it, and a
// scripted gateway that answers ARP and plays DHCP, DNS and TCP servers.
package stacktest

import (
	"sync"
	"time"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now implements netstack.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Scheduler advances its clock by Step on every Yield, so bounded waits
// make progress without real sleeping.
type Scheduler struct {
	Clock  *Clock
	Step   time.Duration
	Yields int
}

// Yield implements netstack.Scheduler.
func (s *Scheduler) Yield() {
	s.Yields++
	step := s.Step
	if step <= 0 {
		step = time.Millisecond
	}
	s.Clock.Advance(step)
}
