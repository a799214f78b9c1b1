package domain

import "time"

type ScheduleKind string

const (
	ScheduleOnce     ScheduleKind = "once"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

// RepeatForever is the RepeatCount of an interval schedule with no limit.
const RepeatForever = -1

// Window is a half-open blackout interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Schedule is the rule producing a trigger's fire times. Kind selects which
// fields apply.
type Schedule struct {
	Kind ScheduleKind

	StartAt time.Time // zero = when the trigger is stored
	EndAt   *time.Time

	// interval
	Interval    time.Duration
	RepeatCount int // total fires = RepeatCount+1; RepeatForever for no limit

	// cron
	CronExpression string
	Timezone       string // IANA, defaults to UTC

	// Calendar exclusions, applied to every kind.
	Blackouts        []Window
	ExcludedWeekdays []time.Weekday
}

// OnceAt returns a one-shot schedule.
func OnceAt(t time.Time) Schedule {
	return Schedule{Kind: ScheduleOnce, StartAt: t}
}

// Every returns an interval schedule starting at start.
func Every(interval time.Duration, repeatCount int, start time.Time) Schedule {
	return Schedule{Kind: ScheduleInterval, Interval: interval, RepeatCount: repeatCount, StartAt: start}
}

// Cron returns a cron schedule evaluated in timezone.
func Cron(expression, timezone string) Schedule {
	return Schedule{Kind: ScheduleCron, CronExpression: expression, Timezone: timezone}
}
