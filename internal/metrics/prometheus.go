package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	log *zap.SugaredLogger

	// Acquirer metrics
	acquireCyclesTotal    prometheus.Counter
	acquireErrorsTotal    prometheus.Counter
	triggersAcquiredTotal prometheus.Counter
	triggersRejectedTotal prometheus.Counter
	acquireDuration       prometheus.Histogram

	// Dispatcher metrics
	poolCapacity prometheus.Gauge
	jobsInFlight prometheus.Gauge

	// Executor metrics
	jobOutcomesTotal     *prometheus.CounterVec
	jobDuration          prometheus.Histogram
	fireLatency          prometheus.Histogram
	webhookAttemptsTotal *prometheus.CounterVec
	webhookDuration      prometheus.Histogram
	releaseRetriesTotal  prometheus.Counter

	// Cluster metrics
	heartbeatsTotal     *prometheus.CounterVec
	liveNodes           prometheus.Gauge
	locksReclaimedTotal *prometheus.CounterVec
}

// NewPrometheusSink creates a sink whose collectors are registered on reg.
// A collector that fails to register is still usable; it is simply not
// exported.
func NewPrometheusSink(reg prometheus.Registerer, log *zap.SugaredLogger) *PrometheusSink {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &PrometheusSink{log: log}
	s.initAcquirerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initExecutorMetrics(reg)
	s.initClusterMetrics(reg)
	return s
}

func (s *PrometheusSink) initAcquirerMetrics(reg prometheus.Registerer) {
	s.acquireCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cronfleet_acquirer_cycles_total",
		Help: "Total number of acquisition cycles run.",
	})
	s.acquireErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cronfleet_acquirer_cycle_errors_total",
		Help: "Total number of acquisition cycles that failed.",
	})
	s.triggersAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cronfleet_acquirer_triggers_acquired_total",
		Help: "Total number of triggers locked by this node.",
	})
	s.triggersRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cronfleet_acquirer_triggers_rejected_total",
		Help: "Total number of acquired triggers released because no worker slot was free.",
	})
	s.acquireDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cronfleet_acquirer_cycle_duration_seconds",
		Help:    "Duration of each acquisition cycle in seconds.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	s.register(reg, s.acquireCyclesTotal, "cronfleet_acquirer_cycles_total")
	s.register(reg, s.acquireErrorsTotal, "cronfleet_acquirer_cycle_errors_total")
	s.register(reg, s.triggersAcquiredTotal, "cronfleet_acquirer_triggers_acquired_total")
	s.register(reg, s.triggersRejectedTotal, "cronfleet_acquirer_triggers_rejected_total")
	s.register(reg, s.acquireDuration, "cronfleet_acquirer_cycle_duration_seconds")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.poolCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cronfleet_dispatcher_pool_capacity",
		Help: "Maximum number of jobs this node runs concurrently.",
	})
	s.jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cronfleet_dispatcher_jobs_in_flight",
		Help: "Number of jobs currently running on this node.",
	})

	s.register(reg, s.poolCapacity, "cronfleet_dispatcher_pool_capacity")
	s.register(reg, s.jobsInFlight, "cronfleet_dispatcher_jobs_in_flight")
}

func (s *PrometheusSink) initExecutorMetrics(reg prometheus.Registerer) {
	s.jobOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cronfleet_executor_job_outcomes_total",
		Help: "Total number of firings by recorded outcome.",
	}, []string{"outcome"})
	s.jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cronfleet_executor_job_duration_seconds",
		Help:    "Wall time spent inside job code in seconds.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
	})
	s.fireLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cronfleet_executor_fire_latency_seconds",
		Help:    "Delay between a trigger's scheduled fire time and the job starting.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300},
	})
	s.webhookAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cronfleet_executor_webhook_attempts_total",
		Help: "Total number of webhook job requests by status class.",
	}, []string{"status_class"})
	s.webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cronfleet_executor_webhook_duration_seconds",
		Help:    "Webhook request latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.releaseRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cronfleet_executor_release_retries_total",
		Help: "Total number of retried outcome writes after a store failure.",
	})

	s.register(reg, s.jobOutcomesTotal, "cronfleet_executor_job_outcomes_total")
	s.register(reg, s.jobDuration, "cronfleet_executor_job_duration_seconds")
	s.register(reg, s.fireLatency, "cronfleet_executor_fire_latency_seconds")
	s.register(reg, s.webhookAttemptsTotal, "cronfleet_executor_webhook_attempts_total")
	s.register(reg, s.webhookDuration, "cronfleet_executor_webhook_duration_seconds")
	s.register(reg, s.releaseRetriesTotal, "cronfleet_executor_release_retries_total")
}

func (s *PrometheusSink) initClusterMetrics(reg prometheus.Registerer) {
	s.heartbeatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cronfleet_cluster_heartbeats_total",
		Help: "Total number of heartbeat renewals by result.",
	}, []string{"result"})
	s.liveNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cronfleet_cluster_live_nodes",
		Help: "Number of nodes with a fresh heartbeat, as last observed by this node.",
	})
	s.locksReclaimedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cronfleet_recovery_locks_reclaimed_total",
		Help: "Total number of firing records reclaimed from dead nodes.",
	}, []string{"result"})

	s.register(reg, s.heartbeatsTotal, "cronfleet_cluster_heartbeats_total")
	s.register(reg, s.liveNodes, "cronfleet_cluster_live_nodes")
	s.register(reg, s.locksReclaimedTotal, "cronfleet_recovery_locks_reclaimed_total")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.Warnw("metrics: failed to register collector", "metric", name, "err", err)
	}
}

// Acquirer metrics implementation

func (s *PrometheusSink) AcquireCycleCompleted(duration time.Duration, acquired int, err error) {
	s.acquireCyclesTotal.Inc()
	s.acquireDuration.Observe(duration.Seconds())
	s.triggersAcquiredTotal.Add(float64(acquired))
	if err != nil {
		s.acquireErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TriggersRejected(count int) {
	s.triggersRejectedTotal.Add(float64(count))
}

// Dispatcher metrics implementation

func (s *PrometheusSink) PoolCapacitySet(capacity int) {
	s.poolCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) JobsInFlightIncr() {
	s.jobsInFlight.Inc()
}

func (s *PrometheusSink) JobsInFlightDecr() {
	s.jobsInFlight.Dec()
}

// Executor metrics implementation

func (s *PrometheusSink) JobOutcome(outcome string) {
	s.jobOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) JobDuration(duration time.Duration) {
	s.jobDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) FireLatencyObserve(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	s.fireLatency.Observe(latency.Seconds())
}

func (s *PrometheusSink) WebhookAttemptCompleted(statusClass string, duration time.Duration) {
	s.webhookAttemptsTotal.WithLabelValues(statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) ReleaseRetry() {
	s.releaseRetriesTotal.Inc()
}

// Cluster metrics implementation

func (s *PrometheusSink) HeartbeatCompleted(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.heartbeatsTotal.WithLabelValues(result).Inc()
}

func (s *PrometheusSink) LiveNodesUpdate(count int) {
	s.liveNodes.Set(float64(count))
}

func (s *PrometheusSink) LocksReclaimed(result string, count int) {
	if count <= 0 {
		return
	}
	s.locksReclaimedTotal.WithLabelValues(result).Add(float64(count))
}
