package schedule

import (
	"time"

	"github.com/djlord-it/cronfleet/internal/domain"
)

type MisfireAction int

const (
	// MisfireActionFire: offer the trigger for execution now.
	MisfireActionFire MisfireAction = iota
	// MisfireActionAdvance: do not fire; wait for the new NextFireTime.
	MisfireActionAdvance
	// MisfireActionComplete: no occurrence is left.
	MisfireActionComplete
)

func (a MisfireAction) String() string {
	switch a {
	case MisfireActionFire:
		return "fire"
	case MisfireActionAdvance:
		return "advance"
	case MisfireActionComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// MisfireResult is the decision for one misfired trigger. Schedule is the
// (possibly re-anchored) schedule to persist.
type MisfireResult struct {
	Action       MisfireAction
	NextFireTime time.Time
	Schedule     domain.Schedule
}

// Misfired reports whether the trigger missed its fire time by more than
// threshold at now. Triggers being re-fired by recovery never misfire.
func Misfired(tr domain.Trigger, now time.Time, threshold time.Duration) bool {
	if tr.Recovering || tr.NextFireTime == nil {
		return false
	}
	return tr.NextFireTime.Before(now.Add(-threshold))
}

// ApplyMisfire decides what happens to a misfired trigger. It is total over
// the closed set of misfire instructions; an empty instruction means fire_now.
func ApplyMisfire(tr domain.Trigger, now time.Time) MisfireResult {
	s := tr.Schedule

	switch tr.MisfireInstruction {
	case domain.MisfireSkip:
		return advanceOrComplete(s, now)

	case domain.MisfireReschedule:
		if s.Kind != domain.ScheduleInterval {
			return advanceOrComplete(s, now)
		}
		return reanchor(tr, now)

	default:
		return MisfireResult{Action: MisfireActionFire, NextFireTime: now, Schedule: s}
	}
}

func advanceOrComplete(s domain.Schedule, now time.Time) MisfireResult {
	next, ok := NextFireTime(s, now)
	if !ok {
		return MisfireResult{Action: MisfireActionComplete, Schedule: s}
	}
	return MisfireResult{Action: MisfireActionAdvance, NextFireTime: next, Schedule: s}
}

// reanchor shifts an interval series so the missed occurrence happens one
// interval from now, keeping the number of fires still owed.
func reanchor(tr domain.Trigger, now time.Time) MisfireResult {
	s := tr.Schedule
	missedIndex := int(tr.NextFireTime.Sub(s.StartAt) / s.Interval)

	s.StartAt = now.Add(s.Interval).UTC()
	if s.RepeatCount != domain.RepeatForever {
		s.RepeatCount -= missedIndex
		if s.RepeatCount < 0 {
			return MisfireResult{Action: MisfireActionComplete, Schedule: tr.Schedule}
		}
	}

	next, ok := FirstFireTime(s)
	if !ok {
		return MisfireResult{Action: MisfireActionComplete, Schedule: tr.Schedule}
	}
	return MisfireResult{Action: MisfireActionAdvance, NextFireTime: next, Schedule: s}
}
