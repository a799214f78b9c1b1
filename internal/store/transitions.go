// Package store holds the trigger state transitions shared by every Job Store
// backend. Backends load rows, apply these functions, and write the result
// back inside one transaction.
package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/cronfleet/internal/domain"
	"github.com/djlord-it/cronfleet/internal/schedule"
)

// PrepareNew fills defaults and computes the first fire time of a trigger
// about to be stored. now is used when the schedule has no start.
func PrepareNew(tr *domain.Trigger, now time.Time) error {
	if tr.Key.Name == "" {
		return domain.ConfigurationError("set a trigger name", "trigger name is required")
	}
	if tr.JobKey.Name == "" {
		return domain.ConfigurationError("set the job the trigger fires", "trigger %s has no job", tr.Key)
	}
	if err := schedule.Validate(tr.Schedule); err != nil {
		return err
	}
	if tr.Schedule.StartAt.IsZero() {
		tr.Schedule.StartAt = now.UTC()
	}
	if tr.Priority == 0 {
		tr.Priority = domain.DefaultPriority
	}
	if tr.MisfireInstruction == "" {
		tr.MisfireInstruction = domain.MisfireFireNow
	}
	switch tr.MisfireInstruction {
	case domain.MisfireFireNow, domain.MisfireSkip, domain.MisfireReschedule:
	default:
		return domain.ConfigurationError("use fire_now, skip or reschedule", "unknown misfire instruction %q", tr.MisfireInstruction)
	}

	first, ok := schedule.FirstFireTime(tr.Schedule)
	if !ok {
		return domain.InvalidSchedule("trigger %s will never fire", tr.Key)
	}
	tr.NextFireTime = &first
	tr.State = domain.TriggerStateWaiting
	tr.TimesTriggered = 0
	tr.Recovering = false
	tr.CreatedAt = now
	tr.UpdatedAt = now
	return nil
}

// ValidateJob checks a job before it is stored.
func ValidateJob(job domain.Job) error {
	if job.Key.Name == "" {
		return domain.ConfigurationError("set a job name", "job name is required")
	}
	if job.Kind == "" {
		return domain.ConfigurationError("set the job kind registered with the executor", "job %s has no kind", job.Key)
	}
	if job.PauseAfterFailures < 0 {
		return domain.ConfigurationError("", "job %s: pause-after-failures must be >= 0", job.Key)
	}
	return nil
}

// HandleMisfire applies the trigger's misfire instruction in place and
// reports whether it should be offered for execution now.
func HandleMisfire(tr *domain.Trigger, now time.Time) bool {
	res := schedule.ApplyMisfire(*tr, now)
	tr.UpdatedAt = now
	switch res.Action {
	case schedule.MisfireActionFire:
		next := res.NextFireTime
		tr.NextFireTime = &next
		return true
	case schedule.MisfireActionAdvance:
		next := res.NextFireTime
		tr.Schedule = res.Schedule
		tr.NextFireTime = &next
		return false
	default:
		tr.NextFireTime = nil
		tr.State = domain.TriggerStateComplete
		return false
	}
}

// AcquireLimit is the acquisition horizon for a trigger that a fire-now
// misfire just re-armed at now.
func AcquireLimit(noLaterThan, now time.Time) time.Time {
	if now.After(noLaterThan) {
		return now
	}
	return noLaterThan
}

// Advance moves the trigger past the occurrence fired at fireTime. A trigger
// paused meanwhile keeps its PAUSED state.
func Advance(tr *domain.Trigger, fireTime time.Time, now time.Time) {
	ft := fireTime
	tr.TimesTriggered++
	tr.PreviousFireTime = &ft
	tr.Recovering = false
	tr.UpdatedAt = now

	next, ok := schedule.NextFireTime(tr.Schedule, fireTime)
	if !ok {
		tr.NextFireTime = nil
		tr.State = domain.TriggerStateComplete
		return
	}
	tr.NextFireTime = &next
	if tr.State != domain.TriggerStatePaused {
		tr.State = domain.TriggerStateWaiting
	}
}

// ApplyOutcome updates trigger and job for a firing's outcome. It returns
// true when the job reached its consecutive-failure limit and all of its
// triggers must be paused.
func ApplyOutcome(tr *domain.Trigger, job *domain.Job, rec domain.FiringRecord, outcome domain.Outcome, now time.Time) (pauseJob bool) {
	switch outcome.Kind {
	case domain.OutcomeReleased:
		if tr.State == domain.TriggerStateAcquired || tr.State == domain.TriggerStateExecuting {
			tr.State = domain.TriggerStateWaiting
		}
		tr.UpdatedAt = now
		return false

	case domain.OutcomeError:
		tr.State = domain.TriggerStateError
		tr.LastError = outcome.Detail
		tr.UpdatedAt = now
		return false

	case domain.OutcomeFailed:
		Advance(tr, rec.FireTime, now)
		tr.LastError = outcome.Detail
		if job == nil {
			return false
		}
		job.ConsecutiveFailures++
		job.UpdatedAt = now
		return job.PauseAfterFailures > 0 && job.ConsecutiveFailures >= job.PauseAfterFailures

	case domain.OutcomeCompleted:
		Advance(tr, rec.FireTime, now)
		tr.LastError = ""
		if job != nil && job.ConsecutiveFailures != 0 {
			job.ConsecutiveFailures = 0
			job.UpdatedAt = now
		}
		return false

	default: // vetoed
		Advance(tr, rec.FireTime, now)
		return false
	}
}

// Reclaim resolves one firing record left behind by a dead node. It returns
// which bucket of domain.ReclaimResult the record falls into and whether the
// job must be paused.
func Reclaim(tr *domain.Trigger, job *domain.Job, rec domain.FiringRecord, now time.Time) (bucket string, pauseJob bool) {
	if rec.State == domain.FiringStateAcquired {
		ApplyOutcome(tr, job, rec, domain.Released(), now)
		return "released", false
	}
	if rec.RequestsRecovery {
		ft := rec.FireTime
		tr.NextFireTime = &ft
		tr.Recovering = true
		if tr.State != domain.TriggerStatePaused {
			tr.State = domain.TriggerStateWaiting
		}
		tr.UpdatedAt = now
		return "refired", false
	}
	pause := ApplyOutcome(tr, job, rec, domain.Outcome{
		Kind:   domain.OutcomeFailed,
		Detail: fmt.Sprintf("node %s died during execution", rec.NodeID),
	}, now)
	return "failed", pause
}

// NewFiringRecord builds the lock/firing row for an acquired trigger.
func NewFiringRecord(nodeID string, tr domain.Trigger, job domain.Job, scheduled time.Time, now time.Time) domain.FiringRecord {
	return domain.FiringRecord{
		ID: uuid.New(),
		Lock: domain.Lock{
			TriggerKey: tr.Key,
			NodeID:     nodeID,
			AcquiredAt: now,
		},
		JobKey:            job.Key,
		Priority:          tr.Priority,
		ScheduledFireTime: scheduled,
		FireTime:          *tr.NextFireTime,
		State:             domain.FiringStateAcquired,
		RequestsRecovery:  job.RequestsRecovery,
		Recovering:        tr.Recovering,
	}
}

// SortForAcquisition orders candidates by fire time ascending, then priority
// descending, then key for a stable order.
func SortForAcquisition(ts []*domain.Trigger) {
	sort.SliceStable(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		if !a.NextFireTime.Equal(*b.NextFireTime) {
			return a.NextFireTime.Before(*b.NextFireTime)
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Key.String() < b.Key.String()
	})
}

// CopyData clones a data map so stored snapshots are never aliased.
func CopyData(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
