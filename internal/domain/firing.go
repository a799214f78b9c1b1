package domain

import (
	"time"

	"github.com/google/uuid"
)

type FiringState string

const (
	FiringStateAcquired  FiringState = "ACQUIRED"
	FiringStateExecuting FiringState = "EXECUTING"
)

// Lock gives one node exclusive rights to fire a trigger. At most one live
// lock exists per trigger.
type Lock struct {
	TriggerKey TriggerKey
	NodeID     string
	AcquiredAt time.Time
}

// FiringRecord is the durable row written when a trigger is acquired. While it
// exists it is the trigger's lock; once EXECUTING it marks an in-flight
// firing whose completion has not been recorded yet.
type FiringRecord struct {
	ID uuid.UUID
	Lock

	JobKey   JobKey
	Priority int

	// ScheduledFireTime is the occurrence the trigger was due at; FireTime is
	// when it is meant to fire after misfire adjustment.
	ScheduledFireTime time.Time
	FireTime          time.Time

	State            FiringState
	RequestsRecovery bool
	Recovering       bool
}

// AcquiredTrigger is what the store hands to a node after a successful
// acquisition: the lock plus snapshots of trigger and job.
type AcquiredTrigger struct {
	Record  FiringRecord
	Trigger Trigger
	Job     Job
}

// NodeHeartbeat records the liveness of a scheduler node.
type NodeHeartbeat struct {
	NodeID    string
	LastSeen  time.Time
	StartedAt time.Time
	Running   bool
}

// Dead reports whether the node is gone: stopped, or silent for longer than
// the liveness window.
func (h NodeHeartbeat) Dead(now time.Time, livenessWindow time.Duration) bool {
	return !h.Running || now.Sub(h.LastSeen) > livenessWindow
}

// ReclaimResult summarizes what ReclaimLocks did for one dead node.
type ReclaimResult struct {
	NodeID   string
	Released int // acquired but never started, back to WAITING
	Refired  int // started, scheduled for re-fire
	Failed   int // started, recorded as failed
}

func (r ReclaimResult) Total() int {
	return r.Released + r.Refired + r.Failed
}
