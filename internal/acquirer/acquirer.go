// Package acquirer runs the node's acquisition loop: lock due triggers in the
// job store, hand them to the worker pool, then sleep until the next fire
// time or until something wakes it.
package acquirer

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/cronfleet/internal/dispatcher"
	"github.com/djlord-it/cronfleet/internal/domain"
	"github.com/djlord-it/cronfleet/internal/logging"
	"github.com/djlord-it/cronfleet/internal/retry"
)

type Store interface {
	AcquireNextTriggers(ctx context.Context, nodeID string, maxCount int, noLaterThan time.Time, misfireThreshold time.Duration) ([]domain.AcquiredTrigger, error)
	NextFireTime(ctx context.Context) (*time.Time, error)
}

type Pool interface {
	Available() int
	TrySubmit(work dispatcher.Work) bool
	Freed() <-chan struct{}
}

type Executor interface {
	Execute(ctx context.Context, at domain.AcquiredTrigger) domain.Outcome
	Release(ctx context.Context, at domain.AcquiredTrigger)
}

// MetricsSink must not block.
type MetricsSink interface {
	AcquireCycleCompleted(duration time.Duration, acquired int, err error)
	TriggersRejected(count int)
}

type State int32

const (
	StateIdle State = iota
	StateAcquiring
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAcquiring:
		return "ACQUIRING"
	case StateDispatching:
		return "DISPATCHING"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	MaxBatchSize     int
	BatchWindow      time.Duration
	MisfireThreshold time.Duration
	MinPollInterval  time.Duration
	MaxPollInterval  time.Duration
}

type Acquirer struct {
	config  Config
	nodeID  string
	store   Store
	pool    Pool
	exec    Executor
	log     *zap.SugaredLogger
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time

	state atomic.Int32
	wake  chan struct{}
}

func New(config Config, nodeID string, store Store, pool Pool, exec Executor) *Acquirer {
	return &Acquirer{
		config: config,
		nodeID: nodeID,
		store:  store,
		pool:   pool,
		exec:   exec,
		log:    logging.Nop(),
		clock:  time.Now,
		wake:   make(chan struct{}, 1),
	}
}

func (a *Acquirer) WithLogger(l *zap.SugaredLogger) *Acquirer {
	a.log = l
	return a
}

func (a *Acquirer) WithMetrics(sink MetricsSink) *Acquirer {
	a.metrics = sink
	return a
}

func (a *Acquirer) WithClock(fn func() time.Time) *Acquirer {
	a.clock = fn
	return a
}

func (a *Acquirer) State() State {
	return State(a.state.Load())
}

// Wake cuts the current sleep short. Calls coalesce and never block.
func (a *Acquirer) Wake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. Store failures are retried with backoff;
// acquired triggers are never dropped.
func (a *Acquirer) Run(ctx context.Context) error {
	backoff := retry.New(a.config.MinPollInterval, a.config.MaxPollInterval)

	a.log.Infow("acquirer: started",
		"max_batch", a.config.MaxBatchSize,
		"batch_window", a.config.BatchWindow,
		"misfire_threshold", a.config.MisfireThreshold)

	for ctx.Err() == nil {
		available := a.pool.Available()
		if available == 0 {
			a.waitForSlot(ctx)
			continue
		}

		maxCount := available
		if a.config.MaxBatchSize > 0 && maxCount > a.config.MaxBatchSize {
			maxCount = a.config.MaxBatchSize
		}

		n, err := a.Cycle(ctx, maxCount)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			wait := backoff.Next()
			a.log.Warnw("acquirer: cycle failed", "attempt", backoff.Attempts(), "retry_in", wait, "err", err)
			a.sleep(ctx, wait)
			continue
		}
		backoff.Reset()

		if n >= maxCount {
			// full batch: more may be due
			continue
		}
		a.sleep(ctx, a.pollDelay(ctx))
	}

	a.state.Store(int32(StateIdle))
	a.log.Info("acquirer: stopped")
	return ctx.Err()
}

// Cycle acquires up to maxCount triggers and offers them to the pool. It
// returns how many were acquired.
func (a *Acquirer) Cycle(ctx context.Context, maxCount int) (int, error) {
	a.state.Store(int32(StateAcquiring))
	defer a.state.Store(int32(StateIdle))

	start := a.clock()
	noLaterThan := start.UTC().Add(a.config.BatchWindow)
	batch, err := a.store.AcquireNextTriggers(ctx, a.nodeID, maxCount, noLaterThan, a.config.MisfireThreshold)
	if a.metrics != nil {
		a.metrics.AcquireCycleCompleted(a.clock().Sub(start), len(batch), err)
	}
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	a.state.Store(int32(StateDispatching))
	rejected := 0
	for _, at := range batch {
		at := at
		if a.pool.TrySubmit(func(jobCtx context.Context) { a.fire(jobCtx, at) }) {
			a.log.Debugw("acquirer: dispatched",
				"trigger", at.Trigger.Key.String(),
				"fire_time", at.Record.FireTime,
				"recovering", at.Record.Recovering)
			continue
		}
		rejected++
		a.exec.Release(ctx, at)
	}
	if rejected > 0 {
		a.log.Infow("acquirer: pool full, released triggers", "released", rejected)
		if a.metrics != nil {
			a.metrics.TriggersRejected(rejected)
		}
	}
	return len(batch), nil
}

// fire waits for a fire time inside the batch window, then executes.
func (a *Acquirer) fire(ctx context.Context, at domain.AcquiredTrigger) {
	if d := at.Record.FireTime.Sub(a.clock()); d > 0 {
		if !retry.Sleep(ctx, d) {
			a.exec.Release(ctx, at)
			return
		}
	}
	a.exec.Execute(ctx, at)
}

// pollDelay is the time until the earliest next fire time, clamped to the
// configured poll bounds.
func (a *Acquirer) pollDelay(ctx context.Context) time.Duration {
	d := a.config.MaxPollInterval
	next, err := a.store.NextFireTime(ctx)
	if err != nil {
		a.log.Debugw("acquirer: next fire time unavailable", "err", err)
	} else if next != nil {
		d = next.Sub(a.clock()) - a.config.BatchWindow
	}
	if d < a.config.MinPollInterval {
		d = a.config.MinPollInterval
	}
	if d > a.config.MaxPollInterval {
		d = a.config.MaxPollInterval
	}
	return d
}

func (a *Acquirer) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-a.wake:
	case <-timer.C:
	}
}

func (a *Acquirer) waitForSlot(ctx context.Context) {
	timer := time.NewTimer(a.config.MaxPollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-a.pool.Freed():
	case <-timer.C:
	}
}
