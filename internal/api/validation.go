package api

import (
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/djlord-it/cronfleet/internal/domain"
	"github.com/djlord-it/cronfleet/internal/executor"
	"github.com/djlord-it/cronfleet/internal/schedule"
)

func validateCreateJob(req CreateJobRequest) error {
	if req.Name == "" {
		return errors.New("name is required")
	}
	if req.Kind == "" {
		return errors.New("kind is required")
	}
	if req.PauseAfterFailures < 0 {
		return errors.New("pause_after_failures must be >= 0")
	}

	if req.Kind == executor.KindWebhook {
		target := req.Trigger.Data["url"]
		if target == "" {
			target = req.Data["url"]
		}
		if target == "" {
			return errors.New("data.url is required for webhook jobs")
		}
		if err := validateWebhookURL(target); err != nil {
			return errors.Wrap(err, "invalid data.url")
		}
	}

	switch domain.MisfireInstruction(req.Trigger.MisfireInstruction) {
	case "", domain.MisfireFireNow, domain.MisfireSkip, domain.MisfireReschedule:
	default:
		return errors.Newf("misfire_instruction must be fire_now, skip or reschedule")
	}
	if req.Trigger.Priority < 0 {
		return errors.New("priority must be >= 0")
	}

	return validateSchedule(req.Trigger.Schedule)
}

func validateSchedule(s ScheduleRequest) error {
	switch domain.ScheduleKind(s.Kind) {
	case domain.ScheduleOnce:
		if s.StartAt == nil {
			return errors.New("schedule.start_at is required for once schedules")
		}
	case domain.ScheduleInterval:
		if s.Interval == "" {
			return errors.New("schedule.interval is required")
		}
		d, err := time.ParseDuration(s.Interval)
		if err != nil {
			return errors.Wrap(err, "invalid schedule.interval")
		}
		if d <= 0 {
			return errors.New("schedule.interval must be positive")
		}
		if s.RepeatCount != nil && *s.RepeatCount < domain.RepeatForever {
			return errors.New("schedule.repeat_count must be >= -1")
		}
	case domain.ScheduleCron:
		if s.CronExpression == "" {
			return errors.New("schedule.cron_expression is required")
		}
		if err := validateCron(s.CronExpression); err != nil {
			return errors.Wrap(err, "invalid schedule.cron_expression")
		}
	case "":
		return errors.New("schedule.kind is required")
	default:
		return errors.Newf("schedule.kind must be once, interval or cron")
	}

	if s.Timezone != "" {
		if err := validateTimezone(s.Timezone); err != nil {
			return errors.Wrap(err, "invalid schedule.timezone")
		}
	}
	for _, d := range s.ExcludedWeekdays {
		if _, err := parseWeekday(d); err != nil {
			return err
		}
	}
	return nil
}

func validateCron(expr string) error {
	_, err := schedule.NewParser().Parse(expr, "UTC")
	return err
}

func validateTimezone(tz string) error {
	_, err := time.LoadLocation(tz)
	return err
}

func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

func parseWeekday(name string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(name, d.String()) || strings.EqualFold(name, d.String()[:3]) {
			return d, nil
		}
	}
	return 0, errors.Newf("unknown weekday %q", name)
}

// toDomain converts a validated request.
func toDomain(req CreateJobRequest) (domain.Job, domain.Trigger) {
	job := domain.Job{
		Key:                domain.NewJobKey(req.Group, req.Name),
		Kind:               req.Kind,
		Description:        req.Description,
		Durable:            req.Durable,
		NonConcurrent:      req.NonConcurrent,
		RequestsRecovery:   req.RequestsRecovery,
		PauseAfterFailures: req.PauseAfterFailures,
		Data:               req.Data,
	}

	trGroup, trName := req.Trigger.Group, req.Trigger.Name
	if trGroup == "" {
		trGroup = job.Key.Group
	}
	if trName == "" {
		trName = job.Key.Name
	}
	tr := domain.Trigger{
		Key:                domain.NewTriggerKey(trGroup, trName),
		JobKey:             job.Key,
		Schedule:           toSchedule(req.Trigger.Schedule),
		Priority:           req.Trigger.Priority,
		MisfireInstruction: domain.MisfireInstruction(req.Trigger.MisfireInstruction),
		Data:               req.Trigger.Data,
	}
	return job, tr
}

func toSchedule(s ScheduleRequest) domain.Schedule {
	out := domain.Schedule{
		Kind:           domain.ScheduleKind(s.Kind),
		EndAt:          s.EndAt,
		CronExpression: s.CronExpression,
		Timezone:       s.Timezone,
		RepeatCount:    domain.RepeatForever,
	}
	if s.StartAt != nil {
		out.StartAt = s.StartAt.UTC()
	}
	if s.Interval != "" {
		out.Interval, _ = time.ParseDuration(s.Interval)
	}
	if s.RepeatCount != nil {
		out.RepeatCount = *s.RepeatCount
	}
	for _, name := range s.ExcludedWeekdays {
		if d, err := parseWeekday(name); err == nil {
			out.ExcludedWeekdays = append(out.ExcludedWeekdays, d)
		}
	}
	for _, w := range s.Blackouts {
		out.Blackouts = append(out.Blackouts, domain.Window{Start: w.Start.UTC(), End: w.End.UTC()})
	}
	return out
}
