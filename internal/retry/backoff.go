// Package retry implements the capped exponential backoff used by every loop
// that talks to the job store.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes delays base, 2·base, 4·base ... capped at Max, each
// scaled by a jitter factor in [1-Jitter, 1+Jitter]. It is not safe for
// concurrent use; each loop owns its own.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	attempt int
}

// New returns a backoff with 30% jitter.
func New(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max, Jitter: 0.3}
}

// Next returns the delay before the next attempt and counts the failure.
func (b *Backoff) Next() time.Duration {
	d := b.Base
	if b.attempt > 0 {
		shift := b.attempt
		if shift > 30 {
			shift = 30
		}
		d = b.Base * time.Duration(1<<uint(shift))
	}
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++

	if b.Jitter > 0 {
		f := 1 - b.Jitter + jitterSource.float64()*2*b.Jitter
		d = time.Duration(float64(d) * f)
	}
	return d
}

// Attempts reports the failures counted since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}

// Sleep waits for d or until ctx is done. It reports whether the full delay
// elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Do calls fn until it succeeds, retryable reports false for its error, or
// ctx is done. onRetry, if set, is called before each wait.
func Do(ctx context.Context, b *Backoff, retryable func(error) bool, onRetry func(attempt int, err error, wait time.Duration), fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		wait := b.Next()
		if onRetry != nil {
			onRetry(b.Attempts(), err, wait)
		}
		if !Sleep(ctx, wait) {
			return err
		}
	}
}

type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (r *lockedRand) float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

var jitterSource = &lockedRand{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
