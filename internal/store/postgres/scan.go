package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/djlord-it/cronfleet/internal/domain"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scheduleDoc is the JSONB shape of domain.Schedule.
type scheduleDoc struct {
	Kind             string      `json:"kind"`
	StartAt          time.Time   `json:"start_at"`
	EndAt            *time.Time  `json:"end_at,omitempty"`
	IntervalNs       int64       `json:"interval_ns,omitempty"`
	RepeatCount      int         `json:"repeat_count"`
	CronExpression   string      `json:"cron,omitempty"`
	Timezone         string      `json:"timezone,omitempty"`
	Blackouts        []windowDoc `json:"blackouts,omitempty"`
	ExcludedWeekdays []int       `json:"excluded_weekdays,omitempty"`
}

type windowDoc struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func encodeSchedule(s domain.Schedule) ([]byte, error) {
	doc := scheduleDoc{
		Kind:           string(s.Kind),
		StartAt:        s.StartAt,
		EndAt:          s.EndAt,
		IntervalNs:     int64(s.Interval),
		RepeatCount:    s.RepeatCount,
		CronExpression: s.CronExpression,
		Timezone:       s.Timezone,
	}
	for _, w := range s.Blackouts {
		doc.Blackouts = append(doc.Blackouts, windowDoc{Start: w.Start, End: w.End})
	}
	for _, d := range s.ExcludedWeekdays {
		doc.ExcludedWeekdays = append(doc.ExcludedWeekdays, int(d))
	}
	return json.Marshal(doc)
}

func decodeSchedule(b []byte) (domain.Schedule, error) {
	var doc scheduleDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return domain.Schedule{}, err
	}
	s := domain.Schedule{
		Kind:           domain.ScheduleKind(doc.Kind),
		StartAt:        doc.StartAt.UTC(),
		EndAt:          doc.EndAt,
		Interval:       time.Duration(doc.IntervalNs),
		RepeatCount:    doc.RepeatCount,
		CronExpression: doc.CronExpression,
		Timezone:       doc.Timezone,
	}
	for _, w := range doc.Blackouts {
		s.Blackouts = append(s.Blackouts, domain.Window{Start: w.Start, End: w.End})
	}
	for _, d := range doc.ExcludedWeekdays {
		s.ExcludedWeekdays = append(s.ExcludedWeekdays, time.Weekday(d))
	}
	return s, nil
}

func encodeData(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeData(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func jobArgs(job domain.Job) ([]interface{}, error) {
	data, err := encodeData(job.Data)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		job.Key.Group,
		job.Key.Name,
		job.Kind,
		job.Description,
		job.Durable,
		job.NonConcurrent,
		job.RequestsRecovery,
		job.PauseAfterFailures,
		job.ConsecutiveFailures,
		data,
		job.CreatedAt,
		job.UpdatedAt,
	}, nil
}

func scanJob(r rowScanner) (domain.Job, error) {
	var job domain.Job
	var data []byte
	err := r.Scan(
		&job.Key.Group,
		&job.Key.Name,
		&job.Kind,
		&job.Description,
		&job.Durable,
		&job.NonConcurrent,
		&job.RequestsRecovery,
		&job.PauseAfterFailures,
		&job.ConsecutiveFailures,
		&data,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Data, err = decodeData(data); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func triggerInsertArgs(tr domain.Trigger) ([]interface{}, error) {
	sched, err := encodeSchedule(tr.Schedule)
	if err != nil {
		return nil, err
	}
	data, err := encodeData(tr.Data)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		tr.Key.Group,
		tr.Key.Name,
		tr.JobKey.Group,
		tr.JobKey.Name,
		sched,
		tr.Priority,
		string(tr.State),
		nullTime(tr.NextFireTime),
		nullTime(tr.PreviousFireTime),
		string(tr.MisfireInstruction),
		tr.TimesTriggered,
		tr.Recovering,
		tr.LastError,
		data,
		tr.CreatedAt,
		tr.UpdatedAt,
	}, nil
}

// triggerUpdateArgs matches queryUpdateTrigger: the insert arguments without
// created_at.
func triggerUpdateArgs(tr domain.Trigger) ([]interface{}, error) {
	args, err := triggerInsertArgs(tr)
	if err != nil {
		return nil, err
	}
	return append(args[:14:14], tr.UpdatedAt), nil
}

func scanTrigger(r rowScanner) (domain.Trigger, error) {
	var tr domain.Trigger
	var sched, data []byte
	var state, misfire string
	var next, prev sql.NullTime
	err := r.Scan(
		&tr.Key.Group,
		&tr.Key.Name,
		&tr.JobKey.Group,
		&tr.JobKey.Name,
		&sched,
		&tr.Priority,
		&state,
		&next,
		&prev,
		&misfire,
		&tr.TimesTriggered,
		&tr.Recovering,
		&tr.LastError,
		&data,
		&tr.CreatedAt,
		&tr.UpdatedAt,
	)
	if err != nil {
		return domain.Trigger{}, err
	}
	tr.State = domain.TriggerState(state)
	tr.MisfireInstruction = domain.MisfireInstruction(misfire)
	tr.NextFireTime = timePtr(next)
	tr.PreviousFireTime = timePtr(prev)
	if tr.Schedule, err = decodeSchedule(sched); err != nil {
		return domain.Trigger{}, err
	}
	if tr.Data, err = decodeData(data); err != nil {
		return domain.Trigger{}, err
	}
	return tr, nil
}

func firedArgs(rec domain.FiringRecord) []interface{} {
	return []interface{}{
		rec.ID,
		rec.TriggerKey.Group,
		rec.TriggerKey.Name,
		rec.NodeID,
		rec.AcquiredAt,
		rec.JobKey.Group,
		rec.JobKey.Name,
		rec.Priority,
		rec.ScheduledFireTime,
		rec.FireTime,
		string(rec.State),
		rec.RequestsRecovery,
		rec.Recovering,
	}
}

func scanFired(r rowScanner) (domain.FiringRecord, error) {
	var rec domain.FiringRecord
	var state string
	err := r.Scan(
		&rec.ID,
		&rec.TriggerKey.Group,
		&rec.TriggerKey.Name,
		&rec.NodeID,
		&rec.AcquiredAt,
		&rec.JobKey.Group,
		&rec.JobKey.Name,
		&rec.Priority,
		&rec.ScheduledFireTime,
		&rec.FireTime,
		&state,
		&rec.RequestsRecovery,
		&rec.Recovering,
	)
	if err != nil {
		return domain.FiringRecord{}, err
	}
	rec.State = domain.FiringState(state)
	rec.AcquiredAt = rec.AcquiredAt.UTC()
	rec.ScheduledFireTime = rec.ScheduledFireTime.UTC()
	rec.FireTime = rec.FireTime.UTC()
	return rec, nil
}

func scanNode(r rowScanner) (domain.NodeHeartbeat, error) {
	var hb domain.NodeHeartbeat
	err := r.Scan(&hb.NodeID, &hb.LastSeen, &hb.StartedAt, &hb.Running)
	return hb, err
}
