package api

import (
	"time"

	"github.com/djlord-it/cronfleet/internal/domain"
)

type CreateJobRequest struct {
	Group              string            `json:"group,omitempty"`
	Name               string            `json:"name"`
	Kind               string            `json:"kind"`
	Description        string            `json:"description,omitempty"`
	Durable            bool              `json:"durable,omitempty"`
	NonConcurrent      bool              `json:"non_concurrent,omitempty"`
	RequestsRecovery   bool              `json:"requests_recovery,omitempty"`
	PauseAfterFailures int               `json:"pause_after_failures,omitempty"`
	Data               map[string]string `json:"data,omitempty"`

	Trigger TriggerRequest `json:"trigger"`
}

// TriggerRequest describes the job's first trigger. Group and name default
// to the job's.
type TriggerRequest struct {
	Group              string            `json:"group,omitempty"`
	Name               string            `json:"name,omitempty"`
	Priority           int               `json:"priority,omitempty"`
	MisfireInstruction string            `json:"misfire_instruction,omitempty"`
	Data               map[string]string `json:"data,omitempty"`
	Schedule           ScheduleRequest   `json:"schedule"`
}

type ScheduleRequest struct {
	Kind    string     `json:"kind"`
	StartAt *time.Time `json:"start_at,omitempty"`
	EndAt   *time.Time `json:"end_at,omitempty"`

	Interval    string `json:"interval,omitempty"`     // Go duration, e.g. "15m"
	RepeatCount *int   `json:"repeat_count,omitempty"` // default -1 (forever)

	CronExpression string `json:"cron_expression,omitempty"`
	Timezone       string `json:"timezone,omitempty"`

	ExcludedWeekdays []string        `json:"excluded_weekdays,omitempty"`
	Blackouts        []WindowRequest `json:"blackouts,omitempty"`
}

type WindowRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type TriggerNowRequest struct {
	Data map[string]string `json:"data,omitempty"`
}

type JobResponse struct {
	Group               string            `json:"group"`
	Name                string            `json:"name"`
	Kind                string            `json:"kind"`
	Description         string            `json:"description,omitempty"`
	Durable             bool              `json:"durable"`
	NonConcurrent       bool              `json:"non_concurrent"`
	RequestsRecovery    bool              `json:"requests_recovery"`
	PauseAfterFailures  int               `json:"pause_after_failures"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Data                map[string]string `json:"data,omitempty"`
	CreatedAt           string            `json:"created_at"`

	Triggers []TriggerResponse `json:"triggers,omitempty"`
}

type TriggerResponse struct {
	Group              string  `json:"group"`
	Name               string  `json:"name"`
	JobGroup           string  `json:"job_group"`
	JobName            string  `json:"job_name"`
	ScheduleKind       string  `json:"schedule_kind"`
	State              string  `json:"state"`
	Priority           int     `json:"priority"`
	MisfireInstruction string  `json:"misfire_instruction"`
	NextFireTime       *string `json:"next_fire_time"`
	PreviousFireTime   *string `json:"previous_fire_time"`
	TimesTriggered     int     `json:"times_triggered"`
	LastError          string  `json:"last_error,omitempty"`
}

type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type NodeResponse struct {
	NodeID    string `json:"node_id"`
	Running   bool   `json:"running"`
	Alive     bool   `json:"alive"`
	Self      bool   `json:"self"`
	LastSeen  string `json:"last_seen"`
	StartedAt string `json:"started_at"`
}

type ListNodesResponse struct {
	Nodes []NodeResponse `json:"nodes"`
}

type StatsResponse struct {
	JobGroup string           `json:"job_group"`
	JobName  string           `json:"job_name"`
	At       string           `json:"at"`
	Counts   map[string]int64 `json:"counts"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// redactedKeys hold credentials and are never echoed back.
var redactedKeys = map[string]bool{"secret": true}

func redact(data map[string]string) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		if redactedKeys[k] {
			v = "***"
		}
		out[k] = v
	}
	return out
}

func toJobResponse(job domain.Job, triggers []domain.Trigger) JobResponse {
	resp := JobResponse{
		Group:               job.Key.Group,
		Name:                job.Key.Name,
		Kind:                job.Kind,
		Description:         job.Description,
		Durable:             job.Durable,
		NonConcurrent:       job.NonConcurrent,
		RequestsRecovery:    job.RequestsRecovery,
		PauseAfterFailures:  job.PauseAfterFailures,
		ConsecutiveFailures: job.ConsecutiveFailures,
		Data:                redact(job.Data),
		CreatedAt:           formatTime(job.CreatedAt),
	}
	for _, tr := range triggers {
		resp.Triggers = append(resp.Triggers, toTriggerResponse(tr))
	}
	return resp
}

func toTriggerResponse(tr domain.Trigger) TriggerResponse {
	return TriggerResponse{
		Group:              tr.Key.Group,
		Name:               tr.Key.Name,
		JobGroup:           tr.JobKey.Group,
		JobName:            tr.JobKey.Name,
		ScheduleKind:       string(tr.Schedule.Kind),
		State:              string(tr.State),
		Priority:           tr.Priority,
		MisfireInstruction: string(tr.MisfireInstruction),
		NextFireTime:       formatTimePtr(tr.NextFireTime),
		PreviousFireTime:   formatTimePtr(tr.PreviousFireTime),
		TimesTriggered:     tr.TimesTriggered,
		LastError:          tr.LastError,
	}
}
