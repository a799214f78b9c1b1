package acquirer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/cronfleet/internal/dispatcher"
	"github.com/djlord-it/cronfleet/internal/domain"
	"github.com/djlord-it/cronfleet/internal/testutil"
)

type acquireCall struct {
	MaxCount    int
	NoLaterThan time.Time
	Threshold   time.Duration
}

type mockStore struct {
	mu      sync.Mutex
	batches [][]domain.AcquiredTrigger
	errs    []error
	calls   []acquireCall
	next    *time.Time
	nextErr error
}

func (s *mockStore) AcquireNextTriggers(ctx context.Context, nodeID string, maxCount int, noLaterThan time.Time, threshold time.Duration) ([]domain.AcquiredTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, acquireCall{MaxCount: maxCount, NoLaterThan: noLaterThan, Threshold: threshold})
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	if len(b) > maxCount {
		b = b[:maxCount]
	}
	return b, nil
}

func (s *mockStore) NextFireTime(ctx context.Context) (*time.Time, error) {
	return s.next, s.nextErr
}

func (s *mockStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type mockPool struct {
	mu        sync.Mutex
	available int
	accept    int
	submitted []dispatcher.Work
	freed     chan struct{}
}

func newMockPool(available, accept int) *mockPool {
	return &mockPool{available: available, accept: accept, freed: make(chan struct{}, 1)}
}

func (p *mockPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

func (p *mockPool) TrySubmit(work dispatcher.Work) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accept == 0 {
		return false
	}
	p.accept--
	p.submitted = append(p.submitted, work)
	return true
}

func (p *mockPool) Freed() <-chan struct{} { return p.freed }

type mockExecutor struct {
	mu       sync.Mutex
	executed []domain.AcquiredTrigger
	released []domain.AcquiredTrigger
}

func (e *mockExecutor) Execute(ctx context.Context, at domain.AcquiredTrigger) domain.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, at)
	return domain.Completed()
}

func (e *mockExecutor) Release(ctx context.Context, at domain.AcquiredTrigger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = append(e.released, at)
}

type mockMetrics struct {
	cycles   int
	acquired int
	errors   int
	rejected int
}

func (m *mockMetrics) AcquireCycleCompleted(d time.Duration, acquired int, err error) {
	m.cycles++
	m.acquired += acquired
	if err != nil {
		m.errors++
	}
}

func (m *mockMetrics) TriggersRejected(count int) { m.rejected += count }

func batchOf(n int, fireTime time.Time) []domain.AcquiredTrigger {
	out := make([]domain.AcquiredTrigger, n)
	for i := range out {
		out[i] = domain.AcquiredTrigger{
			Record:  domain.FiringRecord{ID: uuid.New(), FireTime: fireTime, ScheduledFireTime: fireTime},
			Trigger: domain.Trigger{Key: domain.NewTriggerKey("", uuid.NewString())},
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		MaxBatchSize:     10,
		MisfireThreshold: time.Minute,
		MinPollInterval:  time.Millisecond,
		MaxPollInterval:  20 * time.Millisecond,
	}
}

func TestCycle_DispatchesAcquiredTriggers(t *testing.T) {
	store := &mockStore{batches: [][]domain.AcquiredTrigger{batchOf(3, testutil.T0)}}
	pool := newMockPool(4, 4)
	exec := &mockExecutor{}
	metrics := &mockMetrics{}
	a := New(testConfig(), "node-a", store, pool, exec).
		WithClock(func() time.Time { return testutil.T0 }).
		WithMetrics(metrics)

	n, err := a.Cycle(context.Background(), 4)
	if err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}
	if n != 3 || len(pool.submitted) != 3 {
		t.Fatalf("acquired=%d submitted=%d, want 3 and 3", n, len(pool.submitted))
	}
	if store.calls[0].MaxCount != 4 || !store.calls[0].NoLaterThan.Equal(testutil.T0) || store.calls[0].Threshold != time.Minute {
		t.Errorf("acquire call = %+v", store.calls[0])
	}

	for _, work := range pool.submitted {
		work(context.Background())
	}
	if len(exec.executed) != 3 {
		t.Errorf("executed = %d, want 3", len(exec.executed))
	}
	if metrics.cycles != 1 || metrics.acquired != 3 {
		t.Errorf("metrics cycles=%d acquired=%d", metrics.cycles, metrics.acquired)
	}
	if a.State() != StateIdle {
		t.Errorf("State() = %v after cycle, want IDLE", a.State())
	}
}

func TestCycle_BatchWindowExtendsHorizon(t *testing.T) {
	store := &mockStore{}
	cfg := testConfig()
	cfg.BatchWindow = 5 * time.Second
	a := New(cfg, "node-a", store, newMockPool(1, 1), &mockExecutor{}).
		WithClock(func() time.Time { return testutil.T0 })

	if _, err := a.Cycle(context.Background(), 1); err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}
	if want := testutil.T0.Add(5 * time.Second); !store.calls[0].NoLaterThan.Equal(want) {
		t.Errorf("noLaterThan = %v, want %v", store.calls[0].NoLaterThan, want)
	}
}

func TestCycle_RejectedTriggersAreReleased(t *testing.T) {
	store := &mockStore{batches: [][]domain.AcquiredTrigger{batchOf(3, testutil.T0)}}
	pool := newMockPool(3, 1)
	exec := &mockExecutor{}
	metrics := &mockMetrics{}
	a := New(testConfig(), "node-a", store, pool, exec).WithMetrics(metrics)

	if _, err := a.Cycle(context.Background(), 3); err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}
	if len(pool.submitted) != 1 || len(exec.released) != 2 {
		t.Errorf("submitted=%d released=%d, want 1 and 2", len(pool.submitted), len(exec.released))
	}
	if metrics.rejected != 2 {
		t.Errorf("rejected metric = %d, want 2", metrics.rejected)
	}
}

func TestCycle_StoreError(t *testing.T) {
	unavailable := domain.StoreUnavailable(errors.New("conn refused"), "acquire")
	store := &mockStore{errs: []error{unavailable}}
	metrics := &mockMetrics{}
	a := New(testConfig(), "node-a", store, newMockPool(1, 1), &mockExecutor{}).WithMetrics(metrics)

	if _, err := a.Cycle(context.Background(), 1); !domain.IsStoreUnavailable(err) {
		t.Fatalf("Cycle() = %v, want store unavailable", err)
	}
	if metrics.errors != 1 {
		t.Errorf("error metric = %d, want 1", metrics.errors)
	}
}

func TestFire_WaitsForFireTimeInsideWindow(t *testing.T) {
	exec := &mockExecutor{}
	clock := testutil.NewFakeClock(testutil.T0)
	a := New(testConfig(), "node-a", &mockStore{}, newMockPool(1, 1), exec).WithClock(clock.Now)

	// A fire time in the future with a cancelled context is released, not run.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	at := batchOf(1, testutil.T0.Add(time.Hour))[0]
	a.fire(ctx, at)

	if len(exec.executed) != 0 || len(exec.released) != 1 {
		t.Errorf("executed=%d released=%d, want 0 and 1", len(exec.executed), len(exec.released))
	}

	a.fire(context.Background(), batchOf(1, testutil.T0)[0])
	if len(exec.executed) != 1 {
		t.Errorf("due firing was not executed")
	}
}

func TestPollDelay_Clamped(t *testing.T) {
	cfg := testConfig()
	cfg.MinPollInterval = 100 * time.Millisecond
	cfg.MaxPollInterval = 30 * time.Second

	tests := []struct {
		name string
		next *time.Time
		err  error
		want time.Duration
	}{
		{"nothing scheduled", nil, nil, 30 * time.Second},
		{"far future", timePtr(testutil.T0.Add(time.Hour)), nil, 30 * time.Second},
		{"soon", timePtr(testutil.T0.Add(2 * time.Second)), nil, 2 * time.Second},
		{"overdue", timePtr(testutil.T0.Add(-time.Second)), nil, 100 * time.Millisecond},
		{"store error", nil, errors.New("down"), 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{next: tt.next, nextErr: tt.err}
			a := New(cfg, "node-a", store, newMockPool(1, 1), &mockExecutor{}).
				WithClock(func() time.Time { return testutil.T0 })
			if got := a.pollDelay(context.Background()); got != tt.want {
				t.Errorf("pollDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRun_FullBatchPollsAgainImmediately(t *testing.T) {
	store := &mockStore{batches: [][]domain.AcquiredTrigger{
		batchOf(2, testutil.T0),
		batchOf(2, testutil.T0),
		batchOf(1, testutil.T0),
	}}
	cfg := testConfig()
	cfg.MaxBatchSize = 2
	cfg.MinPollInterval = time.Hour
	cfg.MaxPollInterval = time.Hour
	pool := newMockPool(8, 8)
	a := New(cfg, "node-a", store, pool, &mockExecutor{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for store.callCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d acquisition calls", store.callCount())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	store.mu.Lock()
	defer store.mu.Unlock()
	// Two full batches, then a partial one that puts the loop to sleep.
	if len(store.calls) != 3 {
		t.Errorf("acquisition calls = %d, want 3", len(store.calls))
	}
	for _, c := range store.calls {
		if c.MaxCount != 2 {
			t.Errorf("maxCount = %d, want MaxBatchSize 2", c.MaxCount)
		}
	}
}

func TestRun_WakeCutsSleepShort(t *testing.T) {
	store := &mockStore{}
	cfg := testConfig()
	cfg.MinPollInterval = time.Hour
	cfg.MaxPollInterval = time.Hour
	a := New(cfg, "node-a", store, newMockPool(1, 1), &mockExecutor{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	waitCalls(t, store, 1)
	a.Wake()
	waitCalls(t, store, 2)
}

func TestRun_WaitsForFreedSlot(t *testing.T) {
	store := &mockStore{}
	cfg := testConfig()
	cfg.MaxPollInterval = time.Hour
	pool := newMockPool(0, 0)
	a := New(cfg, "node-a", store, pool, &mockExecutor{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	if store.callCount() != 0 {
		t.Fatal("acquired with no free slot")
	}

	pool.mu.Lock()
	pool.available = 1
	pool.mu.Unlock()
	pool.freed <- struct{}{}
	waitCalls(t, store, 1)
}

func TestRun_BacksOffOnStoreError(t *testing.T) {
	unavailable := domain.StoreUnavailable(errors.New("conn refused"), "acquire")
	store := &mockStore{errs: []error{unavailable, unavailable}, batches: [][]domain.AcquiredTrigger{batchOf(1, testutil.T0)}}
	pool := newMockPool(4, 4)
	a := New(testConfig(), "node-a", store, pool, &mockExecutor{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	waitCalls(t, store, 3)
	deadline := time.After(2 * time.Second)
	for {
		pool.mu.Lock()
		n := len(pool.submitted)
		pool.mu.Unlock()
		if n == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("trigger acquired after the outage was not dispatched")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestState_String(t *testing.T) {
	if StateAcquiring.String() != "ACQUIRING" || StateDispatching.String() != "DISPATCHING" || StateIdle.String() != "IDLE" {
		t.Error("unexpected state names")
	}
}

func waitCalls(t *testing.T, store *mockStore, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for store.callCount() < n {
		select {
		case <-deadline:
			t.Fatalf("acquisition calls = %d, want %d", store.callCount(), n)
		case <-time.After(time.Millisecond):
		}
	}
}

func timePtr(t time.Time) *time.Time { return &t }
