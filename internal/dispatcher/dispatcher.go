// Package dispatcher runs acquired firings on a bounded pool of worker slots.
// Submission never blocks: a full pool rejects the work and the caller gives
// the trigger back to the store.
package dispatcher

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/djlord-it/cronfleet/internal/logging"
)

// ErrShutdown is returned by Shutdown when called twice.
var ErrShutdown = errors.New("dispatcher is shut down")

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	PoolCapacitySet(capacity int)
	JobsInFlightIncr()
	JobsInFlightDecr()
}

// Work is one firing. ctx is cancelled when the pool is shut down without
// waiting for running jobs.
type Work func(ctx context.Context)

type Dispatcher struct {
	slots chan struct{}
	freed chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	jobCtx    context.Context
	cancelJob context.CancelFunc

	log     *zap.SugaredLogger
	metrics MetricsSink // optional, nil = disabled
}

// New creates a pool with maxConcurrency slots. Values below 1 mean 1.
func New(maxConcurrency int) *Dispatcher {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		slots:     make(chan struct{}, maxConcurrency),
		freed:     make(chan struct{}, 1),
		jobCtx:    ctx,
		cancelJob: cancel,
		log:       logging.Nop(),
	}
}

func (d *Dispatcher) WithLogger(l *zap.SugaredLogger) *Dispatcher {
	d.log = l
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	if sink != nil {
		sink.PoolCapacitySet(cap(d.slots))
	}
	return d
}

func (d *Dispatcher) Capacity() int {
	return cap(d.slots)
}

// Available reports how many slots are free right now. A closed pool has
// none.
func (d *Dispatcher) Available() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0
	}
	return cap(d.slots) - len(d.slots)
}

// Freed receives a value after a running job finishes. Signals coalesce.
func (d *Dispatcher) Freed() <-chan struct{} {
	return d.freed
}

// TrySubmit runs work on its own goroutine if a slot is free and the pool is
// open. It never blocks.
func (d *Dispatcher) TrySubmit(work Work) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	select {
	case d.slots <- struct{}{}:
	default:
		d.mu.Unlock()
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.JobsInFlightIncr()
	}
	go d.run(work)
	return true
}

func (d *Dispatcher) run(work Work) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("dispatcher: work panicked", "panic", r)
		}
		<-d.slots
		if d.metrics != nil {
			d.metrics.JobsInFlightDecr()
		}
		select {
		case d.freed <- struct{}{}:
		default:
		}
		d.wg.Done()
	}()
	work(d.jobCtx)
}

// Shutdown stops intake. With wait it blocks until running jobs finish or
// ctx is done; without it, running jobs have their context cancelled and
// are abandoned.
func (d *Dispatcher) Shutdown(ctx context.Context, wait bool) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrShutdown
	}
	d.closed = true
	running := len(d.slots)
	d.mu.Unlock()

	if !wait {
		d.cancelJob()
		if running > 0 {
			d.log.Warnw("dispatcher: abandoning running jobs", "running", running)
		}
		return nil
	}

	d.log.Infow("dispatcher: waiting for running jobs", "running", running)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancelJob()
		return nil
	case <-ctx.Done():
		d.cancelJob()
		return errors.Wrap(ctx.Err(), "wait for running jobs")
	}
}
