package main

import (
	"go.uber.org/zap"

	"github.com/djlord-it/cronfleet/internal/config"
)

// logConfigWarnings reports settings that are valid but risky in production.
func logConfigWarnings(log *zap.SugaredLogger, cfg config.Config) {
	if !cfg.Clustered {
		log.Warnw("config: CLUSTERED=false; jobs live in memory and are lost on restart")
	}
	if cfg.Clustered && cfg.NodeID == "" {
		log.Infow("config: NODE_ID not set; a restarted node will not reclaim its own firings until the liveness window passes")
	}
	if !cfg.WaitForJobs {
		log.Infow("config: WAIT_FOR_JOBS=false; running jobs are abandoned on shutdown and re-fired by recovery")
	}
	if cfg.MaxBatchSize > cfg.MaxConcurrency {
		log.Warnw("config: MAX_BATCH_SIZE exceeds MAX_CONCURRENCY; surplus triggers are released every cycle",
			"max_batch_size", cfg.MaxBatchSize, "max_concurrency", cfg.MaxConcurrency)
	}
	if cfg.LivenessWindow < 2*cfg.HeartbeatInterval {
		log.Warnw("config: LIVENESS_WINDOW under two heartbeats; slow nodes may be declared dead",
			"liveness_window", cfg.LivenessWindow, "heartbeat_interval", cfg.HeartbeatInterval)
	}
	if cfg.RecoveryInterval > cfg.LivenessWindow {
		log.Infow("config: RECOVERY_INTERVAL exceeds LIVENESS_WINDOW; dead node firings wait for the next recovery pass",
			"recovery_interval", cfg.RecoveryInterval)
	}
	if cfg.BatchWindow > cfg.MisfireThreshold {
		log.Warnw("config: BATCH_WINDOW exceeds MISFIRE_THRESHOLD",
			"batch_window", cfg.BatchWindow, "misfire_threshold", cfg.MisfireThreshold)
	}
	if !cfg.MetricsEnabled {
		log.Infow("config: METRICS_ENABLED=false; metrics disabled")
	}
	if cfg.RedisAddr == "" {
		log.Infow("config: REDIS_ADDR not set; analytics disabled")
	}
}
