// Package analytics keeps per-job fire-outcome counters in Redis, bucketed
// by time window.
package analytics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/djlord-it/cronfleet/internal/domain"
	"github.com/djlord-it/cronfleet/internal/executor"
	"github.com/djlord-it/cronfleet/internal/logging"
)

type Config struct {
	// Window is the bucket width: one minute, five minutes or one hour.
	Window time.Duration
	// Retention is how long a bucket is kept after its last write.
	Retention time.Duration
	// WriteTimeout bounds each counter update.
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:       time.Minute,
		Retention:    7 * 24 * time.Hour,
		WriteTimeout: time.Second,
	}
}

// Outcomes lists the outcome kinds that are counted.
var Outcomes = []domain.OutcomeKind{
	domain.OutcomeCompleted,
	domain.OutcomeFailed,
	domain.OutcomeVetoed,
	domain.OutcomeError,
}

// RedisSink counts job outcomes. It is an executor.Listener; counter
// failures are logged and never affect the firing.
type RedisSink struct {
	client *redis.Client
	config Config
	log    *zap.SugaredLogger
}

var _ executor.Listener = (*RedisSink)(nil)

func NewRedisSink(client *redis.Client, config Config) *RedisSink {
	def := DefaultConfig()
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	return &RedisSink{client: client, config: config, log: logging.Nop()}
}

func (s *RedisSink) WithLogger(l *zap.SugaredLogger) *RedisSink {
	s.log = l
	return s
}

// VetoExecution never vetoes.
func (s *RedisSink) VetoExecution(ctx context.Context, jc *executor.JobContext) bool {
	return false
}

func (s *RedisSink) JobWasExecuted(ctx context.Context, jc *executor.JobContext, outcome domain.Outcome) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.WriteTimeout)
	defer cancel()

	if err := s.Record(wctx, jc.JobKey, outcome.Kind, jc.ScheduledFireTime); err != nil {
		s.log.Warnw("analytics: failed to record outcome",
			"job", jc.JobKey.String(), "outcome", outcome.Kind, "err", err)
	}
}

// Record increments the counter of job's outcome in the bucket holding at.
func (s *RedisSink) Record(ctx context.Context, job domain.JobKey, outcome domain.OutcomeKind, at time.Time) error {
	key := buildKey(job, outcome, at, s.config.Window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.Retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis pipeline")
	}
	return nil
}

// Counts returns the counters of every outcome for job in the bucket
// holding at. Missing counters are zero.
func (s *RedisSink) Counts(ctx context.Context, job domain.JobKey, at time.Time) (map[domain.OutcomeKind]int64, error) {
	keys := make([]string, len(Outcomes))
	for i, o := range Outcomes {
		keys[i] = buildKey(job, o, at, s.config.Window)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis mget")
	}

	counts := make(map[domain.OutcomeKind]int64, len(Outcomes))
	for i, o := range Outcomes {
		counts[o] = parseCount(vals[i])
	}
	return counts, nil
}

func parseCount(v interface{}) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func buildKey(job domain.JobKey, outcome domain.OutcomeKind, t time.Time, window time.Duration) string {
	return fmt.Sprintf("cf:j:%s:%s:%s:%s", job.Group, job.Name, outcome, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
