// Package executor runs one acquired firing end to end: it marks the firing
// executing, resolves the job kind, consults listeners, runs the job and
// writes exactly one outcome back to the store.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/cronfleet/internal/domain"
	"github.com/djlord-it/cronfleet/internal/logging"
	"github.com/djlord-it/cronfleet/internal/retry"
)

type Store interface {
	TriggerFired(ctx context.Context, recordID uuid.UUID) (bool, error)
	ReleaseTrigger(ctx context.Context, recordID uuid.UUID, outcome domain.Outcome) error
}

// MetricsSink defines the interface for recording executor metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	JobOutcome(outcome string)
	JobDuration(duration time.Duration)
	FireLatencyObserve(latency time.Duration)
	ReleaseRetry()
}

type Config struct {
	// ReleaseRetryBase and ReleaseRetryMax bound the backoff used when the
	// outcome cannot be written because the store is unavailable.
	ReleaseRetryBase time.Duration
	ReleaseRetryMax  time.Duration
	// ReleaseTimeout caps the total time spent writing one outcome.
	ReleaseTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReleaseRetryBase: 100 * time.Millisecond,
		ReleaseRetryMax:  10 * time.Second,
		ReleaseTimeout:   5 * time.Minute,
	}
}

type Executor struct {
	config    Config
	nodeID    string
	store     Store
	registry  *Registry
	listeners []Listener
	log       *zap.SugaredLogger
	metrics   MetricsSink // optional, nil = disabled
	clock     func() time.Time
}

// New creates an executor. Zero fields of config take their defaults.
func New(config Config, nodeID string, store Store, registry *Registry) *Executor {
	def := DefaultConfig()
	if config.ReleaseRetryBase <= 0 {
		config.ReleaseRetryBase = def.ReleaseRetryBase
	}
	if config.ReleaseRetryMax <= 0 {
		config.ReleaseRetryMax = def.ReleaseRetryMax
	}
	if config.ReleaseTimeout <= 0 {
		config.ReleaseTimeout = def.ReleaseTimeout
	}
	return &Executor{
		config:   config,
		nodeID:   nodeID,
		store:    store,
		registry: registry,
		log:      logging.Nop(),
		clock:    time.Now,
	}
}

func (e *Executor) WithLogger(l *zap.SugaredLogger) *Executor {
	e.log = l
	return e
}

func (e *Executor) WithMetrics(sink MetricsSink) *Executor {
	e.metrics = sink
	return e
}

func (e *Executor) WithListener(l Listener) *Executor {
	e.listeners = append(e.listeners, l)
	return e
}

func (e *Executor) WithClock(fn func() time.Time) *Executor {
	e.clock = fn
	return e
}

// Release gives an acquired firing back to the store without running it.
func (e *Executor) Release(ctx context.Context, at domain.AcquiredTrigger) {
	e.release(ctx, e.firingLog(at), at.Record.ID, domain.Released())
}

// Execute runs the firing and returns the outcome it recorded. A firing whose
// context is cancelled while the job runs is abandoned: no outcome is written
// and the record is left for recovery.
func (e *Executor) Execute(ctx context.Context, at domain.AcquiredTrigger) domain.Outcome {
	log := e.firingLog(at)

	if ctx.Err() != nil {
		e.release(ctx, log, at.Record.ID, domain.Released())
		return domain.Released()
	}

	fired, err := e.store.TriggerFired(ctx, at.Record.ID)
	if err != nil {
		log.Warnw("executor: could not mark firing executing, releasing", "err", err)
		e.release(ctx, log, at.Record.ID, domain.Released())
		return domain.Released()
	}
	if !fired {
		// paused, removed or reclaimed between acquisition and start
		log.Infow("executor: firing withdrawn before start")
		e.release(ctx, log, at.Record.ID, domain.Released())
		return domain.Released()
	}

	jc := newJobContext(e.nodeID, at)
	outcome, abandoned := e.run(ctx, log, jc)
	if abandoned {
		log.Warnw("executor: job abandoned on shutdown, left for recovery")
		return outcome
	}

	for _, l := range e.listeners {
		l.JobWasExecuted(ctx, jc, outcome)
	}
	if e.metrics != nil {
		e.metrics.JobOutcome(string(outcome.Kind))
	}

	e.release(ctx, log, at.Record.ID, outcome)
	return outcome
}

func (e *Executor) run(ctx context.Context, log *zap.SugaredLogger, jc *JobContext) (domain.Outcome, bool) {
	job, ok := e.registry.Lookup(jc.Kind)
	if !ok {
		log.Errorw("executor: no job registered for kind", "kind", jc.Kind)
		return domain.Errored(fmt.Sprintf("no job registered for kind %q", jc.Kind)), false
	}

	for _, l := range e.listeners {
		if l.VetoExecution(ctx, jc) {
			log.Infow("executor: firing vetoed")
			return domain.Vetoed(), false
		}
	}

	start := e.clock()
	if e.metrics != nil {
		e.metrics.FireLatencyObserve(start.Sub(jc.ScheduledFireTime))
	}
	err := e.invoke(ctx, job, jc)
	elapsed := e.clock().Sub(start)
	if e.metrics != nil {
		e.metrics.JobDuration(elapsed)
	}

	if ctx.Err() != nil {
		return domain.Failed(ctx.Err()), true
	}
	if err != nil {
		err = &domain.JobExecutionError{JobKey: jc.JobKey, Err: err}
		log.Warnw("executor: job failed", "duration", elapsed, "err", err)
		return domain.Failed(err), false
	}
	log.Debugw("executor: job completed", "duration", elapsed)
	return domain.Completed(), false
}

func (e *Executor) invoke(ctx context.Context, job Job, jc *JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
		}
	}()
	return job.Execute(ctx, jc)
}

// release writes the outcome, retrying while the store is unavailable. It
// runs on a context detached from job cancellation so shutdown does not lose
// outcomes of jobs that did finish.
func (e *Executor) release(ctx context.Context, log *zap.SugaredLogger, id uuid.UUID, outcome domain.Outcome) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.ReleaseTimeout)
	defer cancel()

	backoff := retry.New(e.config.ReleaseRetryBase, e.config.ReleaseRetryMax)
	err := retry.Do(rctx, backoff, domain.IsStoreUnavailable,
		func(attempt int, err error, wait time.Duration) {
			if e.metrics != nil {
				e.metrics.ReleaseRetry()
			}
			log.Warnw("executor: release failed, retrying", "attempt", attempt, "retry_in", wait, "err", err)
		},
		func(ctx context.Context) error {
			return e.store.ReleaseTrigger(ctx, id, outcome)
		})

	switch {
	case err == nil:
	case domain.IsNotFound(err):
		// reclaimed by a peer after this node was declared dead
		log.Infow("executor: firing already reclaimed, outcome dropped", "outcome", outcome.Kind)
	default:
		log.Errorw("executor: could not record outcome", "outcome", outcome.Kind, "err", err)
	}
}

func (e *Executor) firingLog(at domain.AcquiredTrigger) *zap.SugaredLogger {
	return e.log.With(
		"trigger", at.Trigger.Key.String(),
		"job", at.Job.Key.String(),
		"firing", at.Record.ID.String(),
	)
}
