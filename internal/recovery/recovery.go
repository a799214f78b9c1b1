// Package recovery reclaims the locks and in-flight firings of dead nodes.
//
// A node is dead when it stopped or missed its liveness window. Each of its
// firing records is resolved exactly once by whichever live node reclaims it
// first: acquired-but-unstarted triggers go back to WAITING, started ones are
// re-fired when the job requests recovery and recorded as failed otherwise.
// Reclaiming is idempotent, so several nodes may run this loop at once.
package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/cronfleet/internal/domain"
	"github.com/djlord-it/cronfleet/internal/logging"
	"github.com/djlord-it/cronfleet/internal/metrics"
	"github.com/djlord-it/cronfleet/internal/retry"
)

type Store interface {
	ReclaimLocks(ctx context.Context, nodeID string) (domain.ReclaimResult, error)
}

type Membership interface {
	NodeID() string
	DeadNodes(ctx context.Context) ([]domain.NodeHeartbeat, error)
}

// Waker is notified when reclaimed triggers became eligible again.
type Waker interface {
	Wake()
}

type MetricsSink interface {
	LocksReclaimed(result string, count int)
}

type Config struct {
	// Interval is how often dead nodes are looked for.
	Interval time.Duration
	// RetryBase is the first delay after a failed cycle; later failures
	// double it up to Interval. Zero means one second.
	RetryBase time.Duration
}

type Manager struct {
	config  Config
	store   Store
	members Membership
	waker   Waker       // optional
	log     *zap.SugaredLogger
	metrics MetricsSink // optional, nil = disabled

	backoff func() *retry.Backoff
	sleep   func(ctx context.Context, d time.Duration) bool
}

func New(config Config, store Store, members Membership) *Manager {
	if config.RetryBase <= 0 {
		config.RetryBase = time.Second
	}
	return &Manager{
		config:  config,
		store:   store,
		members: members,
		log:     logging.Nop(),
		backoff: func() *retry.Backoff { return retry.New(config.RetryBase, config.Interval) },
		sleep:   retry.Sleep,
	}
}

func (m *Manager) WithWaker(w Waker) *Manager {
	m.waker = w
	return m
}

func (m *Manager) WithLogger(l *zap.SugaredLogger) *Manager {
	m.log = l
	return m
}

func (m *Manager) WithMetrics(sink MetricsSink) *Manager {
	m.metrics = sink
	return m
}

// RecoverSelf reclaims records left by a previous incarnation of this node,
// which shares its node id.
func (m *Manager) RecoverSelf(ctx context.Context) (domain.ReclaimResult, error) {
	res, err := m.reclaim(ctx, m.members.NodeID())
	if err != nil {
		return res, err
	}
	if res.Total() > 0 {
		m.log.Warnw("recovery: reclaimed records from previous run of this node",
			"released", res.Released, "refired", res.Refired, "failed", res.Failed)
	}
	return res, nil
}

// Run reclaims dead peers immediately and then every Interval until ctx is
// cancelled. A failed cycle is retried with backoff instead of waiting for
// the next interval; the backoff resets after a successful cycle.
func (m *Manager) Run(ctx context.Context) error {
	backoff := m.backoff()
	m.log.Infow("recovery: started", "interval", m.config.Interval)

	for {
		wait := m.config.Interval
		if _, err := m.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				m.log.Info("recovery: stopped")
				return ctx.Err()
			}
			wait = backoff.Next()
			m.log.Warnw("recovery: cycle failed", "attempt", backoff.Attempts(), "retry_in", wait, "err", err)
		} else {
			backoff.Reset()
		}

		if !m.sleep(ctx, wait) {
			m.log.Info("recovery: stopped")
			return ctx.Err()
		}
	}
}

// Cycle reclaims every dead peer once and returns the combined result. It
// stops at the first store error; nodes not yet reclaimed are picked up by
// the next cycle.
func (m *Manager) Cycle(ctx context.Context) (domain.ReclaimResult, error) {
	var total domain.ReclaimResult

	dead, err := m.members.DeadNodes(ctx)
	if err != nil {
		return total, err
	}

	for _, node := range dead {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		res, err := m.reclaim(ctx, node.NodeID)
		if err != nil {
			return total, err
		}
		total.Released += res.Released
		total.Refired += res.Refired
		total.Failed += res.Failed

		m.log.Warnw("recovery: reclaimed dead node",
			"dead_node", node.NodeID,
			"last_seen", node.LastSeen.Format(time.RFC3339),
			"released", res.Released, "refired", res.Refired, "failed", res.Failed)
	}
	return total, nil
}

func (m *Manager) reclaim(ctx context.Context, nodeID string) (domain.ReclaimResult, error) {
	res, err := m.store.ReclaimLocks(ctx, nodeID)
	if err != nil {
		return res, err
	}
	if m.metrics != nil {
		m.metrics.LocksReclaimed(metrics.ReclaimReleased, res.Released)
		m.metrics.LocksReclaimed(metrics.ReclaimRefired, res.Refired)
		m.metrics.LocksReclaimed(metrics.ReclaimFailed, res.Failed)
	}
	if res.Released+res.Refired > 0 && m.waker != nil {
		m.waker.Wake()
	}
	return res, nil
}
