package metrics

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Acquirer metrics
	AcquireCycleCompleted(duration time.Duration, acquired int, err error)
	TriggersRejected(count int)

	// Dispatcher metrics
	PoolCapacitySet(capacity int)
	JobsInFlightIncr()
	JobsInFlightDecr()

	// Executor metrics
	JobOutcome(outcome string)
	JobDuration(duration time.Duration)
	FireLatencyObserve(latency time.Duration)
	WebhookAttemptCompleted(statusClass string, duration time.Duration)
	ReleaseRetry()

	// Cluster metrics
	HeartbeatCompleted(err error)
	LiveNodesUpdate(count int)
	LocksReclaimed(result string, count int)
}

// Result labels for LocksReclaimed.
const (
	ReclaimReleased = "released"
	ReclaimRefired  = "refired"
	ReclaimFailed   = "failed"
)

// StatusClass constants for WebhookAttemptCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return StatusClassTimeout
		}
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
			return StatusClassTimeout
		case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
			strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "dial"):
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
