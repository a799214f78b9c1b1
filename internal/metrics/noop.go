package metrics

import "time"

// NoopSink is used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) AcquireCycleCompleted(duration time.Duration, acquired int, err error) {}
func (n *NoopSink) TriggersRejected(count int)                                            {}
func (n *NoopSink) PoolCapacitySet(capacity int)                                          {}
func (n *NoopSink) JobsInFlightIncr()                                                     {}
func (n *NoopSink) JobsInFlightDecr()                                                     {}
func (n *NoopSink) JobOutcome(outcome string)                                             {}
func (n *NoopSink) JobDuration(duration time.Duration)                                    {}
func (n *NoopSink) FireLatencyObserve(latency time.Duration)                              {}
func (n *NoopSink) WebhookAttemptCompleted(statusClass string, duration time.Duration)    {}
func (n *NoopSink) ReleaseRetry()                                                         {}
func (n *NoopSink) HeartbeatCompleted(err error)                                          {}
func (n *NoopSink) LiveNodesUpdate(count int)                                             {}
func (n *NoopSink) LocksReclaimed(result string, count int)                               {}
