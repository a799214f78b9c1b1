package schedule

import (
	"testing"
	"time"

	"github.com/djlord-it/cronfleet/internal/domain"
)

var t0 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func TestValidate(t *testing.T) {
	end := t0.Add(-time.Hour)
	tests := []struct {
		name    string
		s       domain.Schedule
		wantErr bool
	}{
		{"once", domain.OnceAt(t0), false},
		{"interval", domain.Every(time.Minute, 3, t0), false},
		{"interval forever", domain.Every(time.Minute, domain.RepeatForever, t0), false},
		{"cron", domain.Cron("*/5 * * * *", "Europe/Paris"), false},
		{"zero interval", domain.Every(0, 3, t0), true},
		{"negative repeat", domain.Every(time.Minute, -2, t0), true},
		{"bad cron", domain.Cron("61 * * * *", "UTC"), true},
		{"bad timezone", domain.Cron("* * * * *", "Nowhere/City"), true},
		{"unknown kind", domain.Schedule{Kind: "lunar"}, true},
		{"end before start", domain.Schedule{Kind: domain.ScheduleOnce, StartAt: t0, EndAt: &end}, true},
		{"empty blackout", domain.Schedule{Kind: domain.ScheduleOnce, StartAt: t0, Blackouts: []domain.Window{{Start: t0, End: t0}}}, true},
		{"all weekdays excluded", domain.Schedule{
			Kind: domain.ScheduleInterval, Interval: time.Hour, StartAt: t0, RepeatCount: domain.RepeatForever,
			ExcludedWeekdays: []time.Weekday{0, 1, 2, 3, 4, 5, 6},
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.s)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !domain.IsConfiguration(err) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestNextFireTime_Once(t *testing.T) {
	s := domain.OnceAt(t0)

	first, ok := FirstFireTime(s)
	if !ok || !first.Equal(t0) {
		t.Fatalf("FirstFireTime = %v, %v; want %v", first, ok, t0)
	}
	if _, ok := NextFireTime(s, t0); ok {
		t.Error("one-shot schedule should have no occurrence after its fire time")
	}
}

func TestNextFireTime_IntervalRepeatCount(t *testing.T) {
	s := domain.Every(10*time.Minute, 2, t0) // fires at t0, +10m, +20m

	var fires []time.Time
	next, ok := FirstFireTime(s)
	for ok {
		fires = append(fires, next)
		next, ok = NextFireTime(s, next)
	}

	want := []time.Time{t0, t0.Add(10 * time.Minute), t0.Add(20 * time.Minute)}
	if len(fires) != len(want) {
		t.Fatalf("got %d fires, want %d: %v", len(fires), len(want), fires)
	}
	for i := range want {
		if !fires[i].Equal(want[i]) {
			t.Errorf("fire %d = %v, want %v", i, fires[i], want[i])
		}
	}
}

func TestNextFireTime_IntervalFromMidSeries(t *testing.T) {
	s := domain.Every(10*time.Minute, domain.RepeatForever, t0)

	next, ok := NextFireTime(s, t0.Add(25*time.Minute))
	if !ok || !next.Equal(t0.Add(30*time.Minute)) {
		t.Errorf("NextFireTime = %v, %v; want %v", next, ok, t0.Add(30*time.Minute))
	}
}

func TestNextFireTime_EndAt(t *testing.T) {
	end := t0.Add(15 * time.Minute)
	s := domain.Every(10*time.Minute, domain.RepeatForever, t0)
	s.EndAt = &end

	if _, ok := NextFireTime(s, t0.Add(10*time.Minute)); ok {
		t.Error("occurrence after EndAt must not be produced")
	}
}

func TestNextFireTime_Blackouts(t *testing.T) {
	s := domain.Every(10*time.Minute, domain.RepeatForever, t0)
	s.Blackouts = []domain.Window{{Start: t0.Add(5 * time.Minute), End: t0.Add(35 * time.Minute)}}

	next, ok := NextFireTime(s, t0)
	if !ok || !next.Equal(t0.Add(40*time.Minute)) {
		t.Errorf("NextFireTime = %v, %v; want %v", next, ok, t0.Add(40*time.Minute))
	}
}

func TestNextFireTime_ExcludedWeekdays(t *testing.T) {
	// 2024-01-19 is a Friday.
	s := domain.Cron("0 9 * * *", "UTC")
	s.ExcludedWeekdays = []time.Weekday{time.Saturday, time.Sunday}

	after := time.Date(2024, 1, 19, 10, 0, 0, 0, time.UTC)
	next, ok := NextFireTime(s, after)
	want := time.Date(2024, 1, 22, 9, 0, 0, 0, time.UTC)
	if !ok || !next.Equal(want) {
		t.Errorf("NextFireTime = %v, %v; want Monday %v", next, ok, want)
	}
}

func TestNextFireTime_BeforeStart(t *testing.T) {
	s := domain.Cron("0 * * * *", "UTC")
	s.StartAt = t0.Add(90 * time.Minute)

	next, ok := NextFireTime(s, t0)
	want := t0.Add(2 * time.Hour)
	if !ok || !next.Equal(want) {
		t.Errorf("NextFireTime = %v, %v; want %v", next, ok, want)
	}
}

func TestNextFireTime_IntervalIgnoresDST(t *testing.T) {
	ny := mustLoadLocation("America/New_York")
	start := time.Date(2024, 3, 10, 0, 0, 0, 0, ny)
	s := domain.Every(time.Hour, domain.RepeatForever, start)
	s.Timezone = "America/New_York"

	prev := start
	for i := 0; i < 6; i++ {
		next, ok := NextFireTime(s, prev)
		if !ok {
			t.Fatal("expected an occurrence")
		}
		if got := next.Sub(prev); got != time.Hour {
			t.Fatalf("gap %d = %s, want 1h", i, got)
		}
		prev = next
	}
}

func TestNextFireTime_CronFallBackHourly(t *testing.T) {
	// 2024-11-03 01:00 happens twice in New York; only the EDT instant fires.
	s := domain.Cron("0 * * * *", "America/New_York")

	prev := time.Date(2024, 11, 3, 4, 0, 0, 0, time.UTC) // 00:00 EDT
	want := []time.Time{
		time.Date(2024, 11, 3, 5, 0, 0, 0, time.UTC), // 01:00 EDT
		time.Date(2024, 11, 3, 7, 0, 0, 0, time.UTC), // 02:00 EST
		time.Date(2024, 11, 3, 8, 0, 0, 0, time.UTC), // 03:00 EST
	}
	for i, w := range want {
		next, ok := NextFireTime(s, prev)
		if !ok {
			t.Fatal("expected an occurrence")
		}
		if !next.Equal(w) {
			t.Fatalf("fire %d = %v, want %v", i, next, w)
		}
		prev = next
	}
}

func TestNextFireTime_CronSpringForwardNoDoubleFire(t *testing.T) {
	s := domain.Cron("30 2 * * *", "America/New_York")

	prev := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	limit := prev.Add(7 * 24 * time.Hour)
	count := 0
	for {
		next, ok := NextFireTime(s, prev)
		if !ok {
			t.Fatal("expected an occurrence")
		}
		if !next.After(prev) {
			t.Fatalf("occurrence %v not after %v", next, prev)
		}
		if next.After(limit) {
			break
		}
		count++
		prev = next
	}
	// the skipped 02:30 on March 10 runs at 03:00 EDT instead
	if count != 7 {
		t.Errorf("got %d daily fires across the DST week, want 7", count)
	}
}

func TestNextFireTime_WeekendExclusionSkipsWholeDays(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := domain.Every(10*time.Second, domain.RepeatForever, start)
	s.ExcludedWeekdays = []time.Weekday{time.Saturday, time.Sunday}

	// 17280 excluded occurrences lie between Friday night and Monday
	after := time.Date(2024, 1, 19, 23, 59, 50, 0, time.UTC)
	next, ok := NextFireTime(s, after)
	if !ok {
		t.Fatal("expected an occurrence after the weekend")
	}
	if want := time.Date(2024, 1, 22, 0, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("got %v, want %v", next, want)
	}
}

func TestNextFireTime_WeekendExclusionInLocalTime(t *testing.T) {
	s := domain.Cron("* * * * *", "America/New_York")
	s.ExcludedWeekdays = []time.Weekday{time.Saturday, time.Sunday}

	// Friday 23:59 EST; the weekend ends at Monday 00:00 EST
	after := time.Date(2024, 1, 20, 4, 59, 0, 0, time.UTC)
	next, ok := NextFireTime(s, after)
	if !ok {
		t.Fatal("expected an occurrence after the weekend")
	}
	if want := time.Date(2024, 1, 22, 5, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("got %v, want %v", next, want)
	}
}

func TestNextFireTime_LongBlackout(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := domain.Every(time.Second, domain.RepeatForever, start)
	s.Blackouts = []domain.Window{
		{Start: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		// overlaps the first one and extends it
		{Start: time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)},
	}

	next, ok := NextFireTime(s, time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC))
	if !ok {
		t.Fatal("expected an occurrence after the blackouts")
	}
	if want := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("got %v, want %v", next, want)
	}
}

func TestNextFireTime_ExclusionKeepsRepeatLimit(t *testing.T) {
	// Friday 20:00, five hourly occurrences in total
	start := time.Date(2024, 1, 19, 20, 0, 0, 0, time.UTC)
	s := domain.Every(time.Hour, 4, start)
	s.ExcludedWeekdays = []time.Weekday{time.Saturday}

	// the remaining occurrences all fall on Saturday; the schedule is over
	if next, ok := NextFireTime(s, start.Add(3*time.Hour)); ok {
		t.Errorf("expected no occurrence, got %v", next)
	}
}
