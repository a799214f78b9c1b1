// Package cluster tracks node membership through heartbeats in the shared
// job store. A node is dead once it stops or misses the liveness window.
package cluster

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/cronfleet/internal/domain"
	"github.com/djlord-it/cronfleet/internal/logging"
	"github.com/djlord-it/cronfleet/internal/retry"
)

// MissedHeartbeats is how many renewals a node may miss before peers treat
// it as dead when no liveness window is configured.
const MissedHeartbeats = 3

type Store interface {
	RenewHeartbeat(ctx context.Context, nodeID string) error
	MarkNodeStopped(ctx context.Context, nodeID string) error
	ListNodes(ctx context.Context) ([]domain.NodeHeartbeat, error)
	ListDeadNodes(ctx context.Context, window time.Duration) ([]domain.NodeHeartbeat, error)
}

// MetricsSink must not block.
type MetricsSink interface {
	HeartbeatCompleted(err error)
	LiveNodesUpdate(count int)
}

type Config struct {
	HeartbeatInterval time.Duration
	// LivenessWindow defaults to HeartbeatInterval × MissedHeartbeats.
	LivenessWindow time.Duration
}

func (c Config) window() time.Duration {
	if c.LivenessWindow > 0 {
		return c.LivenessWindow
	}
	return c.HeartbeatInterval * MissedHeartbeats
}

type Coordinator struct {
	config  Config
	nodeID  string
	store   Store
	log     *zap.SugaredLogger
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

func New(config Config, nodeID string, store Store) *Coordinator {
	return &Coordinator{
		config: config,
		nodeID: nodeID,
		store:  store,
		log:    logging.Nop(),
		clock:  time.Now,
	}
}

func (c *Coordinator) WithLogger(l *zap.SugaredLogger) *Coordinator {
	c.log = l.With("node", c.nodeID)
	return c
}

func (c *Coordinator) WithMetrics(sink MetricsSink) *Coordinator {
	c.metrics = sink
	return c
}

func (c *Coordinator) WithClock(fn func() time.Time) *Coordinator {
	c.clock = fn
	return c
}

func (c *Coordinator) NodeID() string {
	return c.nodeID
}

func (c *Coordinator) LivenessWindow() time.Duration {
	return c.config.window()
}

// Heartbeat renews this node's heartbeat once.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	err := c.store.RenewHeartbeat(ctx, c.nodeID)
	if c.metrics != nil {
		c.metrics.HeartbeatCompleted(err)
	}
	return err
}

// Run renews the heartbeat every HeartbeatInterval until ctx is cancelled.
// Failed renewals are retried with backoff, never above the interval, so a
// short store outage does not get the node declared dead.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.config.HeartbeatInterval
	backoff := retry.New(interval/8, interval)

	c.log.Infow("cluster: heartbeat started", "interval", interval, "liveness_window", c.config.window())

	for {
		wait := interval
		if err := c.Heartbeat(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			wait = backoff.Next()
			c.log.Warnw("cluster: heartbeat failed", "attempt", backoff.Attempts(), "retry_in", wait, "err", err)
		} else if backoff.Attempts() > 0 {
			c.log.Infow("cluster: heartbeat recovered", "failures", backoff.Attempts())
			backoff.Reset()
		}

		if !retry.Sleep(ctx, wait) {
			break
		}
	}

	c.log.Info("cluster: heartbeat stopped")
	return ctx.Err()
}

// DeadNodes lists peers that stopped or went silent. This node is never in
// the result.
func (c *Coordinator) DeadNodes(ctx context.Context) ([]domain.NodeHeartbeat, error) {
	nodes, err := c.store.ListDeadNodes(ctx, c.config.window())
	if err != nil {
		return nil, err
	}
	dead := nodes[:0]
	for _, n := range nodes {
		if n.NodeID != c.nodeID {
			dead = append(dead, n)
		}
	}
	return dead, nil
}

// Members lists the nodes currently considered alive.
func (c *Coordinator) Members(ctx context.Context) ([]domain.NodeHeartbeat, error) {
	nodes, err := c.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	now := c.clock().UTC()
	var live []domain.NodeHeartbeat
	for _, n := range nodes {
		if !n.Dead(now, c.config.window()) {
			live = append(live, n)
		}
	}
	if c.metrics != nil {
		c.metrics.LiveNodesUpdate(len(live))
	}
	return live, nil
}

// Stop marks the node stopped so peers reclaim its locks without waiting for
// the liveness window to run out.
func (c *Coordinator) Stop(ctx context.Context) error {
	if err := c.store.MarkNodeStopped(ctx, c.nodeID); err != nil {
		return err
	}
	c.log.Info("cluster: node marked stopped")
	return nil
}

// NewNodeID returns hostname-<random suffix>, unique per process start.
func NewNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
