package domain

import (
	"fmt"
	"time"
)

type TriggerState string

const (
	TriggerStateWaiting   TriggerState = "WAITING"
	TriggerStateAcquired  TriggerState = "ACQUIRED"
	TriggerStateExecuting TriggerState = "EXECUTING"
	TriggerStateComplete  TriggerState = "COMPLETE"
	TriggerStatePaused    TriggerState = "PAUSED"
	TriggerStateBlocked   TriggerState = "BLOCKED"
	TriggerStateError     TriggerState = "ERROR"
)

// MisfireInstruction selects how a trigger that missed its fire time by more
// than the misfire threshold is handled. The set is closed.
type MisfireInstruction string

const (
	MisfireFireNow    MisfireInstruction = "fire_now"
	MisfireSkip       MisfireInstruction = "skip"
	MisfireReschedule MisfireInstruction = "reschedule"
)

// DefaultPriority matches the priority given to triggers that do not set one.
const DefaultPriority = 5

type TriggerKey struct {
	Group string
	Name  string
}

func NewTriggerKey(group, name string) TriggerKey {
	if group == "" {
		group = DefaultGroup
	}
	return TriggerKey{Group: group, Name: name}
}

func (k TriggerKey) String() string {
	return fmt.Sprintf("%s.%s", k.Group, k.Name)
}

// Trigger binds a schedule to exactly one job.
type Trigger struct {
	Key    TriggerKey
	JobKey JobKey

	Schedule Schedule
	Priority int
	State    TriggerState

	NextFireTime     *time.Time
	PreviousFireTime *time.Time

	MisfireInstruction MisfireInstruction
	TimesTriggered     int

	// Recovering is set when the occurrence at NextFireTime is a re-fire of
	// a firing lost with a dead node. Misfire handling does not apply to it.
	Recovering bool

	LastError string
	Data      map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Due reports whether the trigger is eligible for acquisition at or before t.
func (tr Trigger) Due(t time.Time) bool {
	return tr.State == TriggerStateWaiting && tr.NextFireTime != nil && !tr.NextFireTime.After(t)
}
