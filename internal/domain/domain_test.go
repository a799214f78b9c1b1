package domain

import (
	"database/sql"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func TestTriggerState_Values(t *testing.T) {
	tests := []struct {
		state TriggerState
		want  string
	}{
		{TriggerStateWaiting, "WAITING"},
		{TriggerStateAcquired, "ACQUIRED"},
		{TriggerStateExecuting, "EXECUTING"},
		{TriggerStateComplete, "COMPLETE"},
		{TriggerStatePaused, "PAUSED"},
		{TriggerStateBlocked, "BLOCKED"},
		{TriggerStateError, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.state) != tt.want {
				t.Errorf("TriggerState = %q, want %q", tt.state, tt.want)
			}
		})
	}
}

func TestNewKey_DefaultGroup(t *testing.T) {
	if k := NewJobKey("", "j1"); k.Group != DefaultGroup {
		t.Errorf("job group = %q, want %q", k.Group, DefaultGroup)
	}
	if k := NewTriggerKey("reports", "t1"); k.String() != "reports.t1" {
		t.Errorf("trigger key = %q", k.String())
	}
}

func TestTrigger_Due(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	tests := []struct {
		name string
		tr   Trigger
		want bool
	}{
		{"waiting past", Trigger{State: TriggerStateWaiting, NextFireTime: &past}, true},
		{"waiting exact", Trigger{State: TriggerStateWaiting, NextFireTime: &now}, true},
		{"waiting future", Trigger{State: TriggerStateWaiting, NextFireTime: &future}, false},
		{"paused past", Trigger{State: TriggerStatePaused, NextFireTime: &past}, false},
		{"no next fire", Trigger{State: TriggerStateWaiting}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tr.Due(now); got != tt.want {
				t.Errorf("Due() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNodeHeartbeat_Dead(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	window := 30 * time.Second

	alive := NodeHeartbeat{NodeID: "a", LastSeen: now.Add(-10 * time.Second), Running: true}
	stale := NodeHeartbeat{NodeID: "b", LastSeen: now.Add(-31 * time.Second), Running: true}
	stopped := NodeHeartbeat{NodeID: "c", LastSeen: now, Running: false}

	if alive.Dead(now, window) {
		t.Error("recently seen running node should be alive")
	}
	if !stale.Dead(now, window) {
		t.Error("node silent past the liveness window should be dead")
	}
	if !stopped.Dead(now, window) {
		t.Error("stopped node should be dead")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	if !IsConfiguration(ErrAlreadyExists) {
		t.Error("ErrAlreadyExists should be a configuration error")
	}
	wrapped := errors.Wrap(ErrAlreadyExists, "store job")
	if !errors.Is(wrapped, ErrAlreadyExists) || !IsConfiguration(wrapped) {
		t.Error("wrapping should preserve the taxonomy")
	}

	if !IsConfiguration(InvalidSchedule("interval must be positive")) {
		t.Error("invalid schedule should be a configuration error")
	}
	if IsAlreadyExists(InvalidSchedule("never fires")) || IsInvalidSchedule(wrapped) {
		t.Error("configuration error kinds should stay distinct")
	}
	if IsAlreadyExists(ConfigurationError("", "job name is required")) {
		t.Error("a plain configuration error is not a duplicate")
	}

	unavailable := StoreUnavailable(sql.ErrConnDone, "acquire")
	if !IsStoreUnavailable(unavailable) {
		t.Error("StoreUnavailable should mark the error")
	}
	if !errors.Is(unavailable, sql.ErrConnDone) {
		t.Error("StoreUnavailable should keep the cause")
	}
	if StoreUnavailable(nil, "noop") != nil {
		t.Error("StoreUnavailable(nil) should be nil")
	}
}

func TestOutcome_Advances(t *testing.T) {
	if !Completed().Advances() || !Vetoed().Advances() || !Failed(errors.New("x")).Advances() {
		t.Error("completed, vetoed and failed outcomes consume the occurrence")
	}
	if Released().Advances() || Errored("no kind").Advances() {
		t.Error("released and error outcomes keep the occurrence")
	}
	if Failed(errors.New("boom")).Detail != "boom" {
		t.Error("failed outcome should carry the error detail")
	}
}
