package schedule

import (
	"testing"
	"time"

	"github.com/djlord-it/cronfleet/internal/domain"
)

func triggerAt(s domain.Schedule, next time.Time, mi domain.MisfireInstruction) domain.Trigger {
	return domain.Trigger{
		Key:                domain.NewTriggerKey("", "t"),
		Schedule:           s,
		State:              domain.TriggerStateWaiting,
		NextFireTime:       &next,
		MisfireInstruction: mi,
	}
}

func TestMisfired(t *testing.T) {
	threshold := 60 * time.Second
	tr := triggerAt(domain.OnceAt(t0), t0, domain.MisfireFireNow)

	if Misfired(tr, t0.Add(59*time.Second), threshold) {
		t.Error("59s late is within the threshold")
	}
	if !Misfired(tr, t0.Add(90*time.Second), threshold) {
		t.Error("90s late is a misfire")
	}

	tr.Recovering = true
	if Misfired(tr, t0.Add(time.Hour), threshold) {
		t.Error("recovering triggers never misfire")
	}
}

func TestApplyMisfire_FireNowOneShot(t *testing.T) {
	now := t0.Add(90 * time.Second)
	tr := triggerAt(domain.OnceAt(t0), t0, domain.MisfireFireNow)

	res := ApplyMisfire(tr, now)
	if res.Action != MisfireActionFire {
		t.Fatalf("action = %s, want fire", res.Action)
	}
	if !res.NextFireTime.Equal(now) {
		t.Errorf("fire time = %v, want %v", res.NextFireTime, now)
	}
	if _, ok := NextFireTime(res.Schedule, now); ok {
		t.Error("one-shot must have no occurrence after the late fire")
	}
}

func TestApplyMisfire_DefaultIsFireNow(t *testing.T) {
	tr := triggerAt(domain.OnceAt(t0), t0, "")
	if res := ApplyMisfire(tr, t0.Add(time.Hour)); res.Action != MisfireActionFire {
		t.Errorf("action = %s, want fire", res.Action)
	}
}

func TestApplyMisfire_SkipNeverFires(t *testing.T) {
	tests := []struct {
		name       string
		tr         domain.Trigger
		now        time.Time
		wantAction MisfireAction
		wantNext   time.Time
	}{
		{
			name:       "one-shot completes",
			tr:         triggerAt(domain.OnceAt(t0), t0, domain.MisfireSkip),
			now:        t0.Add(time.Hour),
			wantAction: MisfireActionComplete,
		},
		{
			name:       "interval advances to next grid point",
			tr:         triggerAt(domain.Every(10*time.Minute, domain.RepeatForever, t0), t0, domain.MisfireSkip),
			now:        t0.Add(25 * time.Minute),
			wantAction: MisfireActionAdvance,
			wantNext:   t0.Add(30 * time.Minute),
		},
		{
			name:       "exhausted interval completes",
			tr:         triggerAt(domain.Every(10*time.Minute, 1, t0), t0, domain.MisfireSkip),
			now:        t0.Add(25 * time.Minute),
			wantAction: MisfireActionComplete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ApplyMisfire(tt.tr, tt.now)
			if res.Action == MisfireActionFire {
				t.Fatal("skip must never fire")
			}
			if res.Action != tt.wantAction {
				t.Fatalf("action = %s, want %s", res.Action, tt.wantAction)
			}
			if tt.wantAction == MisfireActionAdvance && !res.NextFireTime.Equal(tt.wantNext) {
				t.Errorf("next = %v, want %v", res.NextFireTime, tt.wantNext)
			}
		})
	}
}

func TestApplyMisfire_RescheduleKeepsRemainingCount(t *testing.T) {
	// Five fires at t0..t0+40m; the one at +10m was missed.
	s := domain.Every(10*time.Minute, 4, t0)
	tr := triggerAt(s, t0.Add(10*time.Minute), domain.MisfireReschedule)
	now := t0.Add(33 * time.Minute)

	res := ApplyMisfire(tr, now)
	if res.Action != MisfireActionAdvance {
		t.Fatalf("action = %s, want advance", res.Action)
	}
	if !res.NextFireTime.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("next = %v, want %v", res.NextFireTime, now.Add(10*time.Minute))
	}

	count := 0
	next, ok := res.NextFireTime, true
	for ok {
		count++
		next, ok = NextFireTime(res.Schedule, next)
	}
	if count != 4 {
		t.Errorf("remaining fires = %d, want 4", count)
	}
}

func TestApplyMisfire_RescheduleCronMovesToNextOccurrence(t *testing.T) {
	tr := triggerAt(domain.Cron("0 * * * *", "UTC"), t0, domain.MisfireReschedule)
	res := ApplyMisfire(tr, t0.Add(90*time.Minute))
	if res.Action != MisfireActionAdvance || !res.NextFireTime.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("got %s at %v, want advance to %v", res.Action, res.NextFireTime, t0.Add(2*time.Hour))
	}
}
