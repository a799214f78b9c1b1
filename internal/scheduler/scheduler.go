// Package scheduler is the public face of a cronfleet node: the scheduling
// API and the lifecycle of the loops that acquire, run and recover firings.
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/djlord-it/cronfleet/internal/acquirer"
	"github.com/djlord-it/cronfleet/internal/circuitbreaker"
	"github.com/djlord-it/cronfleet/internal/cluster"
	"github.com/djlord-it/cronfleet/internal/dispatcher"
	"github.com/djlord-it/cronfleet/internal/domain"
	"github.com/djlord-it/cronfleet/internal/executor"
	"github.com/djlord-it/cronfleet/internal/logging"
	"github.com/djlord-it/cronfleet/internal/metrics"
	"github.com/djlord-it/cronfleet/internal/recovery"
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrNotStarted     = errors.New("scheduler not started")
	ErrShutdown       = errors.New("scheduler is shut down")
)

// ManualGroup is the trigger group of one-shot triggers created by TriggerNow.
const ManualGroup = "MANUAL"

// Store is everything a node needs from the Job Store. Both the postgres and
// the memory store implement it.
type Store interface {
	StoreJob(ctx context.Context, job domain.Job, replace bool) error
	StoreTrigger(ctx context.Context, tr domain.Trigger, replace bool) (domain.Trigger, error)
	StoreJobAndTrigger(ctx context.Context, job domain.Job, tr domain.Trigger) (domain.Trigger, error)
	RemoveJob(ctx context.Context, key domain.JobKey) (bool, error)
	RemoveTrigger(ctx context.Context, key domain.TriggerKey) (bool, error)
	GetJob(ctx context.Context, key domain.JobKey) (domain.Job, error)
	GetTrigger(ctx context.Context, key domain.TriggerKey) (domain.Trigger, error)
	ListJobs(ctx context.Context, group string) ([]domain.Job, error)
	ListTriggersForJob(ctx context.Context, key domain.JobKey) ([]domain.Trigger, error)
	UpdateJobData(ctx context.Context, key domain.JobKey, data map[string]string) error
	PauseTrigger(ctx context.Context, key domain.TriggerKey) error
	ResumeTrigger(ctx context.Context, key domain.TriggerKey) error
	PauseJob(ctx context.Context, key domain.JobKey) error
	ResumeJob(ctx context.Context, key domain.JobKey) error
	ListFiringRecords(ctx context.Context, nodeID string) ([]domain.FiringRecord, error)

	acquirer.Store
	executor.Store
	cluster.Store
	recovery.Store
}

type Config struct {
	// NodeID identifies this node in the cluster. A restarted node that
	// keeps its id reclaims its own leftovers on start.
	NodeID string

	MaxConcurrency   int
	MaxBatchSize     int
	BatchWindow      time.Duration
	MisfireThreshold time.Duration
	MinPollInterval  time.Duration
	MaxPollInterval  time.Duration

	HeartbeatInterval time.Duration
	LivenessWindow    time.Duration
	RecoveryInterval  time.Duration

	// WebhookBreakerThreshold consecutive failures open an endpoint's
	// breaker for WebhookBreakerCooldown. 0 disables breaking.
	WebhookBreakerThreshold int
	WebhookBreakerCooldown  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrency:    4 * runtime.NumCPU(),
		MisfireThreshold:  60 * time.Second,
		MinPollInterval:   100 * time.Millisecond,
		MaxPollInterval:   30 * time.Second,
		HeartbeatInterval: 7500 * time.Millisecond,
		RecoveryInterval:  15 * time.Second,

		WebhookBreakerThreshold: 5,
		WebhookBreakerCooldown:  time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.NodeID == "" {
		c.NodeID = cluster.NewNodeID()
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = c.MaxConcurrency
	}
	if c.MisfireThreshold <= 0 {
		c.MisfireThreshold = def.MisfireThreshold
	}
	if c.MinPollInterval <= 0 {
		c.MinPollInterval = def.MinPollInterval
	}
	if c.MaxPollInterval < c.MinPollInterval {
		c.MaxPollInterval = def.MaxPollInterval
		if c.MaxPollInterval < c.MinPollInterval {
			c.MaxPollInterval = c.MinPollInterval
		}
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = def.RecoveryInterval
	}
	if c.WebhookBreakerCooldown <= 0 {
		c.WebhookBreakerCooldown = def.WebhookBreakerCooldown
	}
	return c
}

// Scheduler is one node. It owns its worker pool and loops; the store is
// the only thing shared with other nodes.
type Scheduler struct {
	config Config
	store  Store
	log    *zap.SugaredLogger
	clock  func() time.Time

	registry *executor.Registry
	webhook  *executor.Webhook
	pool     *dispatcher.Dispatcher
	exec     *executor.Executor
	acq      *acquirer.Acquirer
	coord    *cluster.Coordinator
	rec      *recovery.Manager

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New wires a node around store. The built-in job kinds noop and webhook are
// registered; use Register for the host's own kinds.
func New(config Config, store Store) *Scheduler {
	config = config.withDefaults()

	registry := executor.NewRegistry()
	webhook := executor.NewWebhook().
		WithBreaker(circuitbreaker.New(config.WebhookBreakerThreshold, config.WebhookBreakerCooldown))
	_ = registry.Register(executor.KindNoop, executor.Noop)
	_ = registry.Register(executor.KindWebhook, webhook)

	pool := dispatcher.New(config.MaxConcurrency)
	exec := executor.New(executor.DefaultConfig(), config.NodeID, store, registry)
	acq := acquirer.New(acquirer.Config{
		MaxBatchSize:     config.MaxBatchSize,
		BatchWindow:      config.BatchWindow,
		MisfireThreshold: config.MisfireThreshold,
		MinPollInterval:  config.MinPollInterval,
		MaxPollInterval:  config.MaxPollInterval,
	}, config.NodeID, store, pool, exec)
	coord := cluster.New(cluster.Config{
		HeartbeatInterval: config.HeartbeatInterval,
		LivenessWindow:    config.LivenessWindow,
	}, config.NodeID, store)
	rec := recovery.New(recovery.Config{Interval: config.RecoveryInterval}, store, coord).WithWaker(acq)

	return &Scheduler{
		config:   config,
		store:    store,
		log:      logging.Nop(),
		clock:    time.Now,
		registry: registry,
		webhook:  webhook,
		pool:     pool,
		exec:     exec,
		acq:      acq,
		coord:    coord,
		rec:      rec,
	}
}

func (s *Scheduler) WithLogger(l *zap.SugaredLogger) *Scheduler {
	s.coord.WithLogger(l)
	l = l.With("node", s.config.NodeID)
	s.log = l
	s.pool.WithLogger(l)
	s.exec.WithLogger(l)
	s.acq.WithLogger(l)
	s.rec.WithLogger(l)
	return s
}

// WithMetrics attaches one sink to every component of the node.
func (s *Scheduler) WithMetrics(sink metrics.Sink) *Scheduler {
	s.pool.WithMetrics(sink)
	s.exec.WithMetrics(sink)
	s.acq.WithMetrics(sink)
	s.coord.WithMetrics(sink)
	s.rec.WithMetrics(sink)
	s.webhook.WithMetrics(sink)
	return s
}

// WithListener adds a hook around every job execution.
func (s *Scheduler) WithListener(l executor.Listener) *Scheduler {
	s.exec.WithListener(l)
	return s
}

func (s *Scheduler) WithClock(fn func() time.Time) *Scheduler {
	s.clock = fn
	s.exec.WithClock(fn)
	s.acq.WithClock(fn)
	s.coord.WithClock(fn)
	return s
}

// Register binds a job kind to code. Kinds must be registered before the
// scheduler starts.
func (s *Scheduler) Register(kind string, job executor.Job) error {
	return s.registry.Register(kind, job)
}

func (s *Scheduler) NodeID() string {
	return s.config.NodeID
}

func (s *Scheduler) Config() Config {
	return s.config
}

// Running reports whether the node has started and not yet shut down.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// AcquirerState exposes the acquisition loop's current state.
func (s *Scheduler) AcquirerState() acquirer.State {
	return s.acq.State()
}

// Start reclaims what a previous run of this node left behind, announces
// the node and launches its loops. It fails when the store is unreachable.
// The loops stop when ctx is cancelled or on Shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrShutdown
	}
	if s.started {
		return ErrAlreadyStarted
	}

	if _, err := s.rec.RecoverSelf(ctx); err != nil {
		return errors.Wrap(err, "recover own firings")
	}
	if err := s.coord.Heartbeat(ctx); err != nil {
		return errors.Wrap(err, "register node")
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.coord.Run(gctx) })
	g.Go(func() error { return s.rec.Run(gctx) })
	g.Go(func() error { return s.acq.Run(gctx) })

	s.cancel = cancel
	s.group = g
	s.started = true

	s.log.Infow("scheduler: started",
		"max_concurrency", s.pool.Capacity(),
		"kinds", s.registry.Kinds())
	return nil
}

// Shutdown stops acquiring and shuts the worker pool down. With
// waitForJobs it blocks until running jobs finish or ctx is done. Without
// it running jobs are abandoned: their contexts are cancelled and their
// firings are left for recovery, which peers start at once because the
// node is marked stopped.
func (s *Scheduler) Shutdown(ctx context.Context, waitForJobs bool) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return ErrShutdown
	}
	s.stopped = true
	cancel, g := s.cancel, s.group
	s.mu.Unlock()

	s.log.Infow("scheduler: shutting down", "wait_for_jobs", waitForJobs)

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warnw("scheduler: loop exited with error", "err", err)
	}

	var result error
	if err := s.pool.Shutdown(ctx, waitForJobs); err != nil {
		result = errors.Wrap(err, "shut down worker pool")
	}

	stopCtx := ctx
	if ctx.Err() != nil {
		var stopCancel context.CancelFunc
		stopCtx, stopCancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer stopCancel()
	}
	if err := s.coord.Stop(stopCtx); err != nil {
		s.log.Warnw("scheduler: failed to mark node stopped", "err", err)
		result = errors.CombineErrors(result, errors.Wrap(err, "mark node stopped"))
	}

	s.log.Info("scheduler: stopped")
	return result
}

// ScheduleJob stores a new job together with its first trigger.
func (s *Scheduler) ScheduleJob(ctx context.Context, job domain.Job, tr domain.Trigger) (domain.Trigger, error) {
	stored, err := s.store.StoreJobAndTrigger(ctx, job, tr)
	if err != nil {
		return domain.Trigger{}, err
	}
	s.scheduleChanged(stored)
	return stored, nil
}

// AddJob stores a job without triggers. Such a job must be durable.
func (s *Scheduler) AddJob(ctx context.Context, job domain.Job, replace bool) error {
	if !job.Durable {
		return domain.ConfigurationError("set Durable or schedule the job with a trigger",
			"job %s has no trigger and is not durable", job.Key)
	}
	return s.store.StoreJob(ctx, job, replace)
}

// ScheduleTrigger adds a trigger to an existing job.
func (s *Scheduler) ScheduleTrigger(ctx context.Context, tr domain.Trigger) (domain.Trigger, error) {
	stored, err := s.store.StoreTrigger(ctx, tr, false)
	if err != nil {
		return domain.Trigger{}, err
	}
	s.scheduleChanged(stored)
	return stored, nil
}

// RescheduleTrigger replaces an existing trigger's definition.
func (s *Scheduler) RescheduleTrigger(ctx context.Context, tr domain.Trigger) (domain.Trigger, error) {
	if _, err := s.store.GetTrigger(ctx, tr.Key); err != nil {
		return domain.Trigger{}, err
	}
	stored, err := s.store.StoreTrigger(ctx, tr, true)
	if err != nil {
		return domain.Trigger{}, err
	}
	s.scheduleChanged(stored)
	return stored, nil
}

func (s *Scheduler) UnscheduleTrigger(ctx context.Context, key domain.TriggerKey) (bool, error) {
	return s.store.RemoveTrigger(ctx, key)
}

func (s *Scheduler) DeleteJob(ctx context.Context, key domain.JobKey) (bool, error) {
	return s.store.RemoveJob(ctx, key)
}

func (s *Scheduler) PauseTrigger(ctx context.Context, key domain.TriggerKey) error {
	return s.store.PauseTrigger(ctx, key)
}

func (s *Scheduler) ResumeTrigger(ctx context.Context, key domain.TriggerKey) error {
	if err := s.store.ResumeTrigger(ctx, key); err != nil {
		return err
	}
	s.acq.Wake()
	return nil
}

func (s *Scheduler) PauseJob(ctx context.Context, key domain.JobKey) error {
	return s.store.PauseJob(ctx, key)
}

func (s *Scheduler) ResumeJob(ctx context.Context, key domain.JobKey) error {
	if err := s.store.ResumeJob(ctx, key); err != nil {
		return err
	}
	s.acq.Wake()
	return nil
}

// TriggerNow fires a stored job once, as soon as a node picks it up. data
// is merged over the job's data for this firing only.
func (s *Scheduler) TriggerNow(ctx context.Context, key domain.JobKey, data map[string]string) (domain.Trigger, error) {
	if _, err := s.store.GetJob(ctx, key); err != nil {
		return domain.Trigger{}, err
	}
	tr := domain.Trigger{
		Key:      domain.NewTriggerKey(ManualGroup, key.Name+"-"+uuid.NewString()[:8]),
		JobKey:   key,
		Schedule: domain.OnceAt(s.clock().UTC()),
		Data:     data,
	}
	return s.ScheduleTrigger(ctx, tr)
}

func (s *Scheduler) UpdateJobData(ctx context.Context, key domain.JobKey, data map[string]string) error {
	return s.store.UpdateJobData(ctx, key, data)
}

func (s *Scheduler) GetJob(ctx context.Context, key domain.JobKey) (domain.Job, error) {
	return s.store.GetJob(ctx, key)
}

func (s *Scheduler) GetTrigger(ctx context.Context, key domain.TriggerKey) (domain.Trigger, error) {
	return s.store.GetTrigger(ctx, key)
}

// ListJobs lists the jobs of group, or all jobs when group is empty.
func (s *Scheduler) ListJobs(ctx context.Context, group string) ([]domain.Job, error) {
	return s.store.ListJobs(ctx, group)
}

func (s *Scheduler) ListTriggersForJob(ctx context.Context, key domain.JobKey) ([]domain.Trigger, error) {
	return s.store.ListTriggersForJob(ctx, key)
}

// ListNodes returns every node known to the store, dead or alive.
func (s *Scheduler) ListNodes(ctx context.Context) ([]domain.NodeHeartbeat, error) {
	return s.store.ListNodes(ctx)
}

// Members returns the nodes currently considered alive.
func (s *Scheduler) Members(ctx context.Context) ([]domain.NodeHeartbeat, error) {
	return s.coord.Members(ctx)
}

// Firings returns this node's in-flight firing records.
func (s *Scheduler) Firings(ctx context.Context) ([]domain.FiringRecord, error) {
	return s.store.ListFiringRecords(ctx, s.config.NodeID)
}

// scheduleChanged wakes the acquirer when a stored trigger may fire before
// its current sleep ends.
func (s *Scheduler) scheduleChanged(tr domain.Trigger) {
	if tr.NextFireTime == nil || tr.State != domain.TriggerStateWaiting {
		return
	}
	s.log.Debugw("scheduler: trigger stored",
		"trigger", tr.Key.String(),
		"job", tr.JobKey.String(),
		"next_fire_time", tr.NextFireTime.Format(time.RFC3339))
	s.acq.Wake()
}
