// Package schedule computes trigger fire times. Everything here is pure: no
// I/O, no clock reads; the reference time is always passed in.
package schedule

import (
	"time"

	"github.com/djlord-it/cronfleet/internal/domain"
)

// maxSkips bounds the exclusion ranges jumped over in one lookup. Each skip
// moves at least to the end of a blackout or to the next local midnight, so
// it is only reached by a cron expression whose every match is excluded.
const maxSkips = 10000

// Validate reports a configuration error for a schedule that cannot produce
// fire times. It runs when a trigger is created, never at fire time.
func Validate(s domain.Schedule) error {
	switch s.Kind {
	case domain.ScheduleOnce:
	case domain.ScheduleInterval:
		if s.Interval <= 0 {
			return domain.InvalidSchedule("interval must be positive, got %s", s.Interval)
		}
		if s.RepeatCount < domain.RepeatForever {
			return domain.InvalidSchedule("repeat count must be >= %d, got %d", domain.RepeatForever, s.RepeatCount)
		}
	case domain.ScheduleCron:
		if _, err := defaultParser.Parse(s.CronExpression, s.Timezone); err != nil {
			return domain.InvalidSchedule("cron %q: %v", s.CronExpression, err)
		}
	default:
		return domain.InvalidSchedule("unknown schedule kind %q", s.Kind)
	}

	if _, err := location(s); err != nil {
		return domain.InvalidSchedule("timezone %q: %v", s.Timezone, err)
	}
	if s.EndAt != nil && !s.StartAt.IsZero() && s.EndAt.Before(s.StartAt) {
		return domain.InvalidSchedule("end %s is before start %s", s.EndAt.Format(time.RFC3339), s.StartAt.Format(time.RFC3339))
	}
	for i, w := range s.Blackouts {
		if !w.End.After(w.Start) {
			return domain.InvalidSchedule("blackout %d: end must be after start", i)
		}
	}
	seen := make(map[time.Weekday]bool)
	for _, d := range s.ExcludedWeekdays {
		if d < time.Sunday || d > time.Saturday {
			return domain.InvalidSchedule("excluded weekday %d out of range", d)
		}
		seen[d] = true
	}
	if len(seen) == 7 {
		return domain.InvalidSchedule("every weekday is excluded")
	}
	return nil
}

// FirstFireTime returns the first occurrence at or after the schedule's start.
func FirstFireTime(s domain.Schedule) (time.Time, bool) {
	return NextFireTime(s, s.StartAt.Add(-time.Nanosecond))
}

// NextFireTime returns the first occurrence strictly after the given time.
// ok is false when the schedule has no further occurrence.
func NextFireTime(s domain.Schedule, after time.Time) (time.Time, bool) {
	if after.Before(s.StartAt) {
		after = s.StartAt.Add(-time.Nanosecond)
	}

	var cs CronSchedule
	if s.Kind == domain.ScheduleCron {
		var err error
		if cs, err = defaultParser.Parse(s.CronExpression, s.Timezone); err != nil {
			return time.Time{}, false
		}
	}
	loc, err := location(s)
	if err != nil {
		return time.Time{}, false
	}

	t := after
	for i := 0; i < maxSkips; i++ {
		var ok bool
		switch s.Kind {
		case domain.ScheduleOnce:
			t, ok = nextOnce(s, t)
		case domain.ScheduleInterval:
			t, ok = nextInterval(s, t)
		case domain.ScheduleCron:
			t = cs.Next(t)
			ok = !t.IsZero()
		}
		if !ok {
			return time.Time{}, false
		}
		if s.EndAt != nil && t.After(*s.EndAt) {
			return time.Time{}, false
		}
		end, skip := exclusionEnd(s, loc, t)
		if !skip {
			return t.UTC(), true
		}
		// resume so that an occurrence exactly at end is still considered
		t = end.Add(-time.Nanosecond)
	}
	return time.Time{}, false
}

func nextOnce(s domain.Schedule, after time.Time) (time.Time, bool) {
	if s.StartAt.After(after) {
		return s.StartAt, true
	}
	return time.Time{}, false
}

// nextInterval works in absolute time; wall-clock shifts do not move it.
func nextInterval(s domain.Schedule, after time.Time) (time.Time, bool) {
	var k int64
	if !after.Before(s.StartAt) {
		k = int64(after.Sub(s.StartAt)/s.Interval) + 1
	}
	if s.RepeatCount != domain.RepeatForever && k > int64(s.RepeatCount) {
		return time.Time{}, false
	}
	return s.StartAt.Add(time.Duration(k) * s.Interval), true
}

// exclusionEnd reports whether t is excluded and, if so, the first instant
// at which none of the exclusions that cover t apply any more.
func exclusionEnd(s domain.Schedule, loc *time.Location, t time.Time) (time.Time, bool) {
	var end time.Time
	for _, w := range s.Blackouts {
		if w.Contains(t) && w.End.After(end) {
			end = w.End
		}
	}
	if len(s.ExcludedWeekdays) > 0 {
		local := t.In(loc)
		wd := local.Weekday()
		for _, d := range s.ExcludedWeekdays {
			if d == wd {
				y, m, day := local.Date()
				if midnight := time.Date(y, m, day+1, 0, 0, 0, 0, loc); midnight.After(end) {
					end = midnight
				}
				break
			}
		}
	}
	return end, !end.IsZero()
}

func location(s domain.Schedule) (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}
