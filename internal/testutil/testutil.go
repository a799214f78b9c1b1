// Package testutil provides shared test helpers for cronfleet.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/cronfleet/internal/domain"
)

// T0 is the reference instant most tests schedule against.
var T0 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set jumps the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// NewJob returns a job of kind "noop" in the default group.
func NewJob(name string) domain.Job {
	return domain.Job{
		Key:  domain.NewJobKey("", name),
		Kind: "noop",
	}
}

// OnceTrigger returns a one-shot trigger for job firing at at.
func OnceTrigger(name string, job domain.JobKey, at time.Time) domain.Trigger {
	return domain.Trigger{
		Key:      domain.NewTriggerKey("", name),
		JobKey:   job,
		Schedule: domain.OnceAt(at),
	}
}

// IntervalTrigger returns a trigger repeating every interval from start.
func IntervalTrigger(name string, job domain.JobKey, start time.Time, interval time.Duration, repeat int) domain.Trigger {
	return domain.Trigger{
		Key:      domain.NewTriggerKey("", name),
		JobKey:   job,
		Schedule: domain.Every(interval, repeat, start),
	}
}
