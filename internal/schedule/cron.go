package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser parses five-field cron expressions (plus @descriptors) bound to an
// IANA timezone.
type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (p *Parser) Parse(expression string, timezone string) (CronSchedule, error) {
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	_, wall := sched.(*cron.SpecSchedule)
	return &cronSchedule{sched: sched, loc: loc, wall: wall}, nil
}

// CronSchedule yields the next activation strictly after a given time, or
// the zero time when there is none.
type CronSchedule interface {
	Next(after time.Time) time.Time
}

type cronSchedule struct {
	sched cron.Schedule
	loc   *time.Location
	// false for @every, which runs on absolute time
	wall bool
}

// Next walks the wall clock of the schedule's location. A wall time that a
// fall-back change repeats fires only at its first instant. Matches that fall
// into a spring-forward gap fire once, at the first instant after the gap.
func (s *cronSchedule) Next(after time.Time) time.Time {
	t := after.In(s.loc)
	if !s.wall {
		return s.sched.Next(t)
	}
	for {
		next := s.sched.Next(t)
		if gap, ok := s.gapActivation(t, next); ok {
			return gap
		}
		if next.IsZero() || !repeatedWallTime(next) {
			return next
		}
		t = next
	}
}

// gapSearchLimit bounds the transition scan when the schedule has no next
// activation.
const gapSearchLimit = 5 * 366 * 24 * time.Hour

// gapActivation reports the first spring-forward transition in (after, next)
// whose skipped wall times contain a match.
func (s *cronSchedule) gapActivation(after, next time.Time) (time.Time, bool) {
	if s.loc == time.UTC {
		return time.Time{}, false
	}
	end := next
	if end.IsZero() {
		end = after.Add(gapSearchLimit)
	}
	for lo := after; lo.Before(end); {
		hi := lo.Add(24 * time.Hour)
		if hi.After(end) {
			hi = end
		}
		_, offLo := lo.Zone()
		_, offHi := hi.Zone()
		if offHi > offLo {
			at := transition(lo, hi)
			if at.After(after) && (next.IsZero() || at.Before(next)) && s.matchesBetween(wallClock(at, offLo), wallClock(at, offHi)) {
				return at, true
			}
		}
		lo = hi
	}
	return time.Time{}, false
}

// matchesBetween reports whether the expression matches a wall time in
// [from, to). Both bounds are wall clocks expressed in UTC.
func (s *cronSchedule) matchesBetween(from, to time.Time) bool {
	m := s.sched.Next(from.Add(-time.Nanosecond))
	return !m.IsZero() && m.Before(to)
}

// transition returns the first second in (lo, hi] whose offset differs from lo's.
func transition(lo, hi time.Time) time.Time {
	_, off := lo.Zone()
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2).Truncate(time.Second)
		if !mid.After(lo) {
			break
		}
		if _, o := mid.Zone(); o == off {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi
}

func wallClock(t time.Time, offset int) time.Time {
	return t.UTC().Add(time.Duration(offset) * time.Second)
}

// repeatedWallTime reports whether an earlier instant shows the same wall
// clock as t, i.e. t lies in the second pass of a fall-back hour.
func repeatedWallTime(t time.Time) bool {
	_, off := t.Zone()
	_, before := t.Add(-3 * time.Hour).Zone()
	if before <= off {
		return false
	}
	_, earlier := t.Add(-time.Duration(before-off) * time.Second).Zone()
	return earlier == before
}

var defaultParser = NewParser()
