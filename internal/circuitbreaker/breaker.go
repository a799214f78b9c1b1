// Package circuitbreaker stops the webhook job kind from hammering an
// endpoint that keeps failing. Each endpoint has its own breaker; after
// Threshold consecutive failures it opens for Cooldown, then lets exactly one
// probe through.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type endpoint struct {
	state    State
	failures int
	openedAt time.Time
}

type Breaker struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

// New returns a breaker set. A threshold of 0 or less disables breaking.
func New(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		endpoints: make(map[string]*endpoint),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

func (b *Breaker) WithClock(fn func() time.Time) *Breaker {
	b.clock = fn
	return b
}

// Allow returns ErrOpen when calls to key must not be attempted.
func (b *Breaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.endpoints[key]
	if !ok {
		return nil
	}

	switch e.state {
	case Open:
		if b.clock().Sub(e.openedAt) < b.cooldown {
			return errors.Wrapf(ErrOpen, "endpoint %s", key)
		}
		e.state = HalfOpen
		return nil
	case HalfOpen:
		// a probe is already in flight
		return errors.Wrapf(ErrOpen, "endpoint %s", key)
	default:
		return nil
	}
}

func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, key)
}

func (b *Breaker) RecordFailure(key string) {
	if b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.endpoints[key]
	if !ok {
		e = &endpoint{}
		b.endpoints[key] = e
	}
	e.failures++
	if e.state == HalfOpen || e.failures >= b.threshold {
		e.state = Open
		e.openedAt = b.clock()
	}
}

func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.endpoints[key]; ok {
		return e.state
	}
	return Closed
}
