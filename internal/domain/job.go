package domain

import (
	"fmt"
	"time"
)

// DefaultGroup is used when a key is created without a group.
const DefaultGroup = "DEFAULT"

// JobKey identifies a job. Name+Group is unique across the store.
type JobKey struct {
	Group string
	Name  string
}

func NewJobKey(group, name string) JobKey {
	if group == "" {
		group = DefaultGroup
	}
	return JobKey{Group: group, Name: name}
}

func (k JobKey) String() string {
	return fmt.Sprintf("%s.%s", k.Group, k.Name)
}

// Job is a unit of work. Kind is resolved to executable code by the host
// through the executor registry; the store treats it as opaque.
type Job struct {
	Key         JobKey
	Kind        string
	Description string

	// Durable jobs stay in the store when their last trigger is removed.
	Durable bool

	// NonConcurrent forbids two firings of this job executing at once,
	// across the whole cluster.
	NonConcurrent bool

	// RequestsRecovery re-fires an occurrence whose node died mid-execution.
	// Without it the occurrence is recorded as failed.
	RequestsRecovery bool

	// PauseAfterFailures pauses every trigger of the job once this many
	// consecutive executions failed. 0 disables auto-pause.
	PauseAfterFailures  int
	ConsecutiveFailures int

	Data map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}
