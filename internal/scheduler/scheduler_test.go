package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/cronfleet/internal/domain"
	"github.com/djlord-it/cronfleet/internal/executor"
	"github.com/djlord-it/cronfleet/internal/scheduler"
	"github.com/djlord-it/cronfleet/internal/store/memory"
	"github.com/djlord-it/cronfleet/internal/store/postgres"
	"github.com/djlord-it/cronfleet/internal/testutil"
)

var (
	_ scheduler.Store = (*memory.Store)(nil)
	_ scheduler.Store = (*postgres.Store)(nil)
)

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

// recorder is a job kind that remembers every firing it ran.
type recorder struct {
	mu   sync.Mutex
	runs []executor.JobContext
}

func (r *recorder) Execute(ctx context.Context, jc *executor.JobContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *jc)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func (r *recorder) last() executor.JobContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[len(r.runs)-1]
}

func testConfig(nodeID string) scheduler.Config {
	return scheduler.Config{
		NodeID:            nodeID,
		MaxConcurrency:    4,
		MisfireThreshold:  time.Minute,
		MinPollInterval:   5 * time.Millisecond,
		MaxPollInterval:   50 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		LivenessWindow:    2 * time.Second,
		RecoveryInterval:  20 * time.Millisecond,
	}
}

func newNode(t *testing.T, store scheduler.Store, nodeID string, kinds map[string]executor.Job) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(testConfig(nodeID), store)
	for kind, job := range kinds {
		require.NoError(t, s.Register(kind, job))
	}
	return s
}

func start(t *testing.T, s *scheduler.Scheduler) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background(), false) })
}

func recordedJob(name string) domain.Job {
	job := testutil.NewJob(name)
	job.Kind = "record"
	return job
}

func triggerState(t *testing.T, s *scheduler.Scheduler, key domain.TriggerKey) domain.TriggerState {
	t.Helper()
	tr, err := s.GetTrigger(context.Background(), key)
	require.NoError(t, err)
	return tr.State
}

func TestScheduler_OneShotFiresOnceAndCompletes(t *testing.T) {
	store := memory.New()
	rec := &recorder{}
	s := newNode(t, store, "node-a", map[string]executor.Job{"record": rec})
	ctx := testutil.TestContext(t)

	job := recordedJob("report")
	tr, err := s.ScheduleJob(ctx, job, testutil.OnceTrigger("now", job.Key, time.Now()))
	require.NoError(t, err)
	start(t, s)

	require.Eventually(t, func() bool {
		return triggerState(t, s, tr.Key) == domain.TriggerStateComplete
	}, waitFor, tick)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, "node-a", rec.last().NodeID)
}

func TestScheduler_MisfiredFireNowRunsOnce(t *testing.T) {
	clock := testutil.NewFakeClock(testutil.T0.Add(90 * time.Second))
	store := memory.New().WithClock(clock.Now)
	rec := &recorder{}
	s := newNode(t, store, "node-a", map[string]executor.Job{"record": rec}).WithClock(clock.Now)
	ctx := testutil.TestContext(t)

	job := recordedJob("j1")
	tr := testutil.OnceTrigger("j1", job.Key, testutil.T0)
	tr.MisfireInstruction = domain.MisfireFireNow
	stored, err := s.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)
	start(t, s)

	require.Eventually(t, func() bool {
		return triggerState(t, s, stored.Key) == domain.TriggerStateComplete
	}, waitFor, tick)

	// a few more poll cycles must not fire it again
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.True(t, testutil.T0.Equal(rec.last().ScheduledFireTime), "scheduled = %s", rec.last().ScheduledFireTime)
}

func TestScheduler_TriggerNowMergesData(t *testing.T) {
	store := memory.New()
	rec := &recorder{}
	s := newNode(t, store, "node-a", map[string]executor.Job{"record": rec})
	ctx := testutil.TestContext(t)

	job := recordedJob("export")
	job.Durable = true
	job.Data = map[string]string{"format": "csv", "region": "eu"}
	require.NoError(t, s.AddJob(ctx, job, false))
	start(t, s)

	tr, err := s.TriggerNow(ctx, job.Key, map[string]string{"format": "pdf"})
	require.NoError(t, err)
	assert.Equal(t, scheduler.ManualGroup, tr.Key.Group)

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	jc := rec.last()
	assert.Equal(t, "pdf", jc.Data["format"])
	assert.Equal(t, "eu", jc.Data["region"])
	assert.Equal(t, tr.Key, jc.TriggerKey)
}

func TestScheduler_TriggerNowUnknownJob(t *testing.T) {
	s := newNode(t, memory.New(), "node-a", nil)

	_, err := s.TriggerNow(testutil.TestContext(t), domain.NewJobKey("", "missing"), nil)
	assert.True(t, domain.IsNotFound(err), "err = %v", err)
}

func TestScheduler_AddJobRequiresDurable(t *testing.T) {
	s := newNode(t, memory.New(), "node-a", nil)

	err := s.AddJob(testutil.TestContext(t), recordedJob("loose"), false)
	assert.True(t, domain.IsConfiguration(err), "err = %v", err)
}

func TestScheduler_PausedTriggerDoesNotFireUntilResumed(t *testing.T) {
	store := memory.New()
	rec := &recorder{}
	s := newNode(t, store, "node-a", map[string]executor.Job{"record": rec})
	ctx := testutil.TestContext(t)

	job := recordedJob("held")
	tr, err := s.ScheduleJob(ctx, job, testutil.OnceTrigger("held", job.Key, time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.PauseTrigger(ctx, tr.Key))
	start(t, s)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, domain.TriggerStatePaused, triggerState(t, s, tr.Key))

	require.NoError(t, s.ResumeTrigger(ctx, tr.Key))
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
}

func TestScheduler_ShutdownWaitsForRunningJobs(t *testing.T) {
	store := memory.New()
	started := make(chan struct{})
	release := make(chan struct{})
	slow := executor.JobFunc(func(ctx context.Context, jc *executor.JobContext) error {
		close(started)
		<-release
		return nil
	})
	s := newNode(t, store, "node-a", map[string]executor.Job{"slow": slow})
	ctx := testutil.TestContext(t)

	job := testutil.NewJob("slow")
	job.Kind = "slow"
	tr, err := s.ScheduleJob(ctx, job, testutil.OnceTrigger("slow", job.Key, time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("job never started")
	}

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(context.Background(), true) }()

	select {
	case err := <-done:
		t.Fatalf("Shutdown returned before the job finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Shutdown did not return")
	}

	assert.Equal(t, domain.TriggerStateComplete, triggerState(t, s, tr.Key))
	assert.False(t, s.Running())
}

func TestScheduler_KilledNodeFiringRefiredOnceByPeer(t *testing.T) {
	store := memory.New()
	ctx := testutil.TestContext(t)

	started := make(chan struct{})
	var once sync.Once
	hang := executor.JobFunc(func(ctx context.Context, jc *executor.JobContext) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	})
	nodeA := newNode(t, store, "node-a", map[string]executor.Job{"record": hang})

	job := recordedJob("critical")
	job.RequestsRecovery = true
	tr, err := nodeA.ScheduleJob(ctx, job, testutil.OnceTrigger("critical", job.Key, time.Now()))
	require.NoError(t, err)
	require.NoError(t, nodeA.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("job never started on node-a")
	}

	rec := &recorder{}
	nodeB := newNode(t, store, "node-b", map[string]executor.Job{"record": rec})
	start(t, nodeB)

	// abandon the running job, leaving its firing for recovery
	require.NoError(t, nodeA.Shutdown(context.Background(), false))

	require.Eventually(t, func() bool {
		return triggerState(t, nodeB, tr.Key) == domain.TriggerStateComplete
	}, waitFor, tick)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, rec.count())
	jc := rec.last()
	assert.True(t, jc.Recovering)
	assert.Equal(t, "node-b", jc.NodeID)

	firings, err := store.ListFiringRecords(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, firings)
}

func TestScheduler_MembersAcrossNodes(t *testing.T) {
	store := memory.New()
	ctx := testutil.TestContext(t)

	nodeA := newNode(t, store, "node-a", nil)
	nodeB := newNode(t, store, "node-b", nil)
	start(t, nodeA)
	start(t, nodeB)

	members, err := nodeA.Members(ctx)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	require.NoError(t, nodeB.Shutdown(ctx, true))

	members, err = nodeA.Members(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "node-a", members[0].NodeID)
}

func TestScheduler_Lifecycle(t *testing.T) {
	s := newNode(t, memory.New(), "node-a", nil)
	ctx := testutil.TestContext(t)

	assert.ErrorIs(t, s.Shutdown(ctx, false), scheduler.ErrNotStarted)

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Running())
	assert.ErrorIs(t, s.Start(ctx), scheduler.ErrAlreadyStarted)

	require.NoError(t, s.Shutdown(ctx, true))
	assert.ErrorIs(t, s.Shutdown(ctx, true), scheduler.ErrShutdown)
	assert.ErrorIs(t, s.Start(ctx), scheduler.ErrShutdown)
}

func TestScheduler_RestartReclaimsOwnLeftovers(t *testing.T) {
	store := memory.New()
	ctx := testutil.TestContext(t)

	job := recordedJob("nightly")
	job.RequestsRecovery = true
	_, err := store.StoreJobAndTrigger(ctx, job, testutil.OnceTrigger("nightly", job.Key, time.Now()))
	require.NoError(t, err)

	// a previous run of node-a locked and started the trigger, then vanished
	got, err := store.AcquireNextTriggers(ctx, "node-a", 1, time.Now(), time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	fired, err := store.TriggerFired(ctx, got[0].Record.ID)
	require.NoError(t, err)
	require.True(t, fired)

	rec := &recorder{}
	s := newNode(t, store, "node-a", map[string]executor.Job{"record": rec})
	start(t, s)

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	assert.True(t, rec.last().Recovering)
}

func TestScheduler_DefaultsApplied(t *testing.T) {
	s := scheduler.New(scheduler.Config{MaxConcurrency: 3}, memory.New())
	cfg := s.Config()

	assert.NotEmpty(t, s.NodeID())
	assert.Equal(t, 3, cfg.MaxBatchSize)
	assert.Equal(t, time.Minute, cfg.MisfireThreshold)
	assert.LessOrEqual(t, cfg.MinPollInterval, cfg.MaxPollInterval)
}
