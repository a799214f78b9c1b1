// Package memory is a Job Store kept in process memory. It serves
// non-clustered deployments and tests; several scheduler nodes sharing one
// *Store behave like a cluster sharing one database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/djlord-it/cronfleet/internal/domain"
	"github.com/djlord-it/cronfleet/internal/schedule"
	"github.com/djlord-it/cronfleet/internal/store"
)

// Store guards all state with one mutex, which plays the role the advisory
// lock plays in the postgres store.
type Store struct {
	mu sync.Mutex

	jobs     map[domain.JobKey]domain.Job
	triggers map[domain.TriggerKey]domain.Trigger
	fired    map[uuid.UUID]domain.FiringRecord
	locks    map[domain.TriggerKey]uuid.UUID
	nodes    map[string]domain.NodeHeartbeat

	clock func() time.Time
}

func New() *Store {
	return &Store{
		jobs:     make(map[domain.JobKey]domain.Job),
		triggers: make(map[domain.TriggerKey]domain.Trigger),
		fired:    make(map[uuid.UUID]domain.FiringRecord),
		locks:    make(map[domain.TriggerKey]uuid.UUID),
		nodes:    make(map[string]domain.NodeHeartbeat),
		clock:    time.Now,
	}
}

// WithClock overrides the time source used for acquisition, misfire checks
// and heartbeats.
func (s *Store) WithClock(fn func() time.Time) *Store {
	s.clock = fn
	return s
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

func (s *Store) StoreJob(ctx context.Context, job domain.Job, replace bool) error {
	if err := store.ValidateJob(job); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putJob(job, replace)
}

func (s *Store) putJob(job domain.Job, replace bool) error {
	now := s.now()
	existing, ok := s.jobs[job.Key]
	if ok && !replace {
		return errors.Wrapf(domain.ErrAlreadyExists, "job %s", job.Key)
	}
	if ok {
		job.CreatedAt = existing.CreatedAt
		job.ConsecutiveFailures = existing.ConsecutiveFailures
	} else {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Data = store.CopyData(job.Data)
	s.jobs[job.Key] = job
	return nil
}

// StoreTrigger stores a trigger for an existing job and returns it with its
// first fire time computed.
func (s *Store) StoreTrigger(ctx context.Context, tr domain.Trigger, replace bool) (domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[tr.JobKey]; !ok {
		return domain.Trigger{}, errors.Wrapf(domain.ErrNotFound, "job %s", tr.JobKey)
	}
	return s.putTrigger(tr, replace)
}

func (s *Store) putTrigger(tr domain.Trigger, replace bool) (domain.Trigger, error) {
	now := s.now()
	if err := store.PrepareNew(&tr, now); err != nil {
		return domain.Trigger{}, err
	}
	if _, ok := s.triggers[tr.Key]; ok {
		if !replace {
			return domain.Trigger{}, errors.Wrapf(domain.ErrAlreadyExists, "trigger %s", tr.Key)
		}
		if _, locked := s.locks[tr.Key]; locked {
			// The in-flight firing keeps its lock; the new schedule applies
			// from the next occurrence.
			tr.State = domain.TriggerStateAcquired
			if rec := s.fired[s.locks[tr.Key]]; rec.State == domain.FiringStateExecuting {
				tr.State = domain.TriggerStateExecuting
			}
		}
	}
	if tr.State == domain.TriggerStateWaiting && s.jobBusy(tr.JobKey) {
		tr.State = domain.TriggerStateBlocked
	}
	tr.Data = store.CopyData(tr.Data)
	s.triggers[tr.Key] = tr
	return cloneTrigger(tr), nil
}

// StoreJobAndTrigger stores both atomically.
func (s *Store) StoreJobAndTrigger(ctx context.Context, job domain.Job, tr domain.Trigger) (domain.Trigger, error) {
	if err := store.ValidateJob(job); err != nil {
		return domain.Trigger{}, err
	}
	tr.JobKey = job.Key

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.Key]; ok {
		return domain.Trigger{}, errors.Wrapf(domain.ErrAlreadyExists, "job %s", job.Key)
	}
	if _, ok := s.triggers[tr.Key]; ok {
		return domain.Trigger{}, errors.Wrapf(domain.ErrAlreadyExists, "trigger %s", tr.Key)
	}
	probe := tr
	if err := store.PrepareNew(&probe, s.now()); err != nil {
		return domain.Trigger{}, err
	}
	if err := s.putJob(job, false); err != nil {
		return domain.Trigger{}, err
	}
	return s.putTrigger(tr, false)
}

// RemoveJob deletes a job and all of its triggers. In-flight firings finish
// and their release is ignored.
func (s *Store) RemoveJob(ctx context.Context, key domain.JobKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[key]; !ok {
		return false, nil
	}
	for tk, tr := range s.triggers {
		if tr.JobKey == key {
			delete(s.triggers, tk)
		}
	}
	delete(s.jobs, key)
	return true, nil
}

// RemoveTrigger deletes a trigger. A non-durable job left without triggers
// is deleted with it.
func (s *Store) RemoveTrigger(ctx context.Context, key domain.TriggerKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.triggers[key]
	if !ok {
		return false, nil
	}
	delete(s.triggers, key)

	job, ok := s.jobs[tr.JobKey]
	if ok && !job.Durable && len(s.triggersOf(tr.JobKey)) == 0 {
		delete(s.jobs, tr.JobKey)
	}
	return true, nil
}

func (s *Store) GetJob(ctx context.Context, key domain.JobKey) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[key]
	if !ok {
		return domain.Job{}, errors.Wrapf(domain.ErrNotFound, "job %s", key)
	}
	return cloneJob(job), nil
}

func (s *Store) GetTrigger(ctx context.Context, key domain.TriggerKey) (domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.triggers[key]
	if !ok {
		return domain.Trigger{}, errors.Wrapf(domain.ErrNotFound, "trigger %s", key)
	}
	return cloneTrigger(tr), nil
}

// ListJobs returns the jobs of a group ordered by name; an empty group
// lists every job.
func (s *Store) ListJobs(ctx context.Context, group string) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Job
	for _, job := range s.jobs {
		if group == "" || job.Key.Group == group {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

func (s *Store) ListTriggersForJob(ctx context.Context, key domain.JobKey) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Trigger
	for _, tr := range s.triggersOf(key) {
		out = append(out, cloneTrigger(tr))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// UpdateJobData replaces the job's data map. Firings already acquired keep
// the snapshot they were handed.
func (s *Store) UpdateJobData(ctx context.Context, key domain.JobKey, data map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[key]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "job %s", key)
	}
	job.Data = store.CopyData(data)
	job.UpdatedAt = s.now()
	s.jobs[key] = job
	return nil
}

func (s *Store) PauseTrigger(ctx context.Context, key domain.TriggerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.triggers[key]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "trigger %s", key)
	}
	s.pause(&tr)
	s.triggers[key] = tr
	return nil
}

func (s *Store) ResumeTrigger(ctx context.Context, key domain.TriggerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.triggers[key]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "trigger %s", key)
	}
	s.resume(&tr)
	s.triggers[key] = tr
	return nil
}

func (s *Store) PauseJob(ctx context.Context, key domain.JobKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[key]; !ok {
		return errors.Wrapf(domain.ErrNotFound, "job %s", key)
	}
	s.pauseJob(key)
	return nil
}

func (s *Store) ResumeJob(ctx context.Context, key domain.JobKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[key]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "job %s", key)
	}
	job.ConsecutiveFailures = 0
	s.jobs[key] = job
	for tk, tr := range s.triggersOf(key) {
		s.resume(&tr)
		s.triggers[tk] = tr
	}
	return nil
}

func (s *Store) pause(tr *domain.Trigger) {
	if tr.State == domain.TriggerStateComplete {
		return
	}
	tr.State = domain.TriggerStatePaused
	tr.UpdatedAt = s.now()
}

func (s *Store) pauseJob(key domain.JobKey) {
	for tk, tr := range s.triggersOf(key) {
		s.pause(&tr)
		s.triggers[tk] = tr
	}
}

// resume puts a paused or errored trigger back where it belongs: under its
// live lock if it still has one, BLOCKED if its non-concurrent job is busy,
// WAITING otherwise.
func (s *Store) resume(tr *domain.Trigger) {
	if tr.State != domain.TriggerStatePaused && tr.State != domain.TriggerStateError {
		return
	}
	tr.UpdatedAt = s.now()
	if id, locked := s.locks[tr.Key]; locked {
		tr.State = domain.TriggerState(s.fired[id].State)
		return
	}
	if tr.NextFireTime == nil {
		tr.State = domain.TriggerStateComplete
		return
	}
	tr.State = domain.TriggerStateWaiting
	if s.jobBusy(tr.JobKey) {
		tr.State = domain.TriggerStateBlocked
	}
}

// AcquireNextTriggers locks up to maxCount due triggers for nodeID. Misfired
// triggers get their misfire instruction applied first.
func (s *Store) AcquireNextTriggers(ctx context.Context, nodeID string, maxCount int, noLaterThan time.Time, misfireThreshold time.Duration) ([]domain.AcquiredTrigger, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.StoreUnavailable(err, "acquire triggers")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	scheduled := make(map[domain.TriggerKey]time.Time)
	var candidates []*domain.Trigger

	for tk := range s.triggers {
		tr := s.triggers[tk]
		if tr.State != domain.TriggerStateWaiting || tr.NextFireTime == nil {
			continue
		}
		original := *tr.NextFireTime
		limit := noLaterThan
		if schedule.Misfired(tr, now, misfireThreshold) {
			fire := store.HandleMisfire(&tr, now)
			s.triggers[tk] = tr
			if !fire {
				continue
			}
			// re-armed at the store's now, which may be past the caller's horizon
			limit = store.AcquireLimit(noLaterThan, now)
		}
		if tr.NextFireTime.After(limit) {
			continue
		}
		scheduled[tk] = original
		c := tr
		candidates = append(candidates, &c)
	}
	store.SortForAcquisition(candidates)

	var out []domain.AcquiredTrigger
	for _, c := range candidates {
		if len(out) >= maxCount {
			break
		}
		if _, locked := s.locks[c.Key]; locked {
			continue
		}
		job, ok := s.jobs[c.JobKey]
		if !ok {
			c.State = domain.TriggerStateError
			c.LastError = "job " + c.JobKey.String() + " does not exist"
			s.triggers[c.Key] = *c
			continue
		}
		if job.NonConcurrent && s.jobBusy(job.Key) {
			continue
		}

		rec := store.NewFiringRecord(nodeID, *c, job, scheduled[c.Key], now)
		c.State = domain.TriggerStateAcquired
		c.UpdatedAt = now
		s.triggers[c.Key] = *c
		s.fired[rec.ID] = rec
		s.locks[c.Key] = rec.ID

		if job.NonConcurrent {
			s.blockSiblings(job.Key, c.Key)
		}
		out = append(out, domain.AcquiredTrigger{
			Record:  rec,
			Trigger: cloneTrigger(*c),
			Job:     cloneJob(job),
		})
	}
	return out, nil
}

// NextFireTime returns the earliest fire time among WAITING triggers, or nil.
func (s *Store) NextFireTime(ctx context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *time.Time
	for _, tr := range s.triggers {
		if tr.State != domain.TriggerStateWaiting || tr.NextFireTime == nil {
			continue
		}
		if next == nil || tr.NextFireTime.Before(*next) {
			t := *tr.NextFireTime
			next = &t
		}
	}
	return next, nil
}

// TriggerFired moves an acquired firing to EXECUTING. It returns false when
// the firing must not run: the trigger was paused or removed, or the record
// was reclaimed.
func (s *Store) TriggerFired(ctx context.Context, recordID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.fired[recordID]
	if !ok || rec.State != domain.FiringStateAcquired {
		return false, nil
	}
	tr, ok := s.triggers[rec.TriggerKey]
	if !ok || tr.State != domain.TriggerStateAcquired {
		return false, nil
	}
	if _, ok := s.jobs[rec.JobKey]; !ok {
		return false, nil
	}

	rec.State = domain.FiringStateExecuting
	s.fired[recordID] = rec
	tr.State = domain.TriggerStateExecuting
	tr.UpdatedAt = s.now()
	s.triggers[tr.Key] = tr
	return true, nil
}

// ReleaseTrigger records the outcome of a firing and drops its lock. A
// record that no longer exists yields ErrNotFound.
func (s *Store) ReleaseTrigger(ctx context.Context, recordID uuid.UUID, outcome domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.fired[recordID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "firing record %s", recordID)
	}
	s.settle(rec, func(tr *domain.Trigger, job *domain.Job) bool {
		return store.ApplyOutcome(tr, job, rec, outcome, s.now())
	})
	return nil
}

// settle applies fn to the record's trigger and job, deletes the record and
// unblocks the job's other triggers.
func (s *Store) settle(rec domain.FiringRecord, fn func(tr *domain.Trigger, job *domain.Job) bool) {
	delete(s.fired, rec.ID)
	if s.locks[rec.TriggerKey] == rec.ID {
		delete(s.locks, rec.TriggerKey)
	}

	tr, trOK := s.triggers[rec.TriggerKey]
	job, jobOK := s.jobs[rec.JobKey]
	var jobPtr *domain.Job
	if jobOK {
		jobPtr = &job
	}

	pause := false
	if trOK {
		pause = fn(&tr, jobPtr)
		if tr.State == domain.TriggerStateWaiting && s.jobBusy(tr.JobKey) {
			tr.State = domain.TriggerStateBlocked
		}
		s.triggers[tr.Key] = tr
	}
	if !jobOK {
		return
	}
	s.jobs[job.Key] = job
	if pause {
		s.pauseJob(job.Key)
	}
	if job.NonConcurrent && !s.jobBusy(job.Key) {
		s.unblock(job.Key)
	}
}

func (s *Store) RenewHeartbeat(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	hb, ok := s.nodes[nodeID]
	if !ok || !hb.Running {
		hb = domain.NodeHeartbeat{NodeID: nodeID, StartedAt: now}
	}
	hb.LastSeen = now
	hb.Running = true
	s.nodes[nodeID] = hb
	return nil
}

func (s *Store) MarkNodeStopped(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hb, ok := s.nodes[nodeID]
	if !ok {
		return nil
	}
	hb.Running = false
	s.nodes[nodeID] = hb
	return nil
}

func (s *Store) ListNodes(ctx context.Context) ([]domain.NodeHeartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.NodeHeartbeat, 0, len(s.nodes))
	for _, hb := range s.nodes {
		out = append(out, hb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// ListDeadNodes returns nodes that stopped or missed the liveness window.
func (s *Store) ListDeadNodes(ctx context.Context, window time.Duration) ([]domain.NodeHeartbeat, error) {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var dead []domain.NodeHeartbeat
	for _, hb := range nodes {
		if hb.Dead(now, window) {
			dead = append(dead, hb)
		}
	}
	return dead, nil
}

// ReclaimLocks resolves every firing record held by nodeID and forgets the
// node. Acquired records go back to WAITING; executing ones are re-fired
// when the job requests recovery and recorded as failed otherwise.
func (s *Store) ReclaimLocks(ctx context.Context, nodeID string) (domain.ReclaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := domain.ReclaimResult{NodeID: nodeID}
	var recs []domain.FiringRecord
	for _, rec := range s.fired {
		if rec.NodeID == nodeID {
			recs = append(recs, rec)
		}
	}
	now := s.now()
	for _, rec := range recs {
		var bucket string
		s.settle(rec, func(tr *domain.Trigger, job *domain.Job) bool {
			var pause bool
			bucket, pause = store.Reclaim(tr, job, rec, now)
			return pause
		})
		switch bucket {
		case "released":
			res.Released++
		case "refired":
			res.Refired++
		case "failed":
			res.Failed++
		}
	}
	delete(s.nodes, nodeID)
	return res, nil
}

// ListFiringRecords returns live firing records, all of them when nodeID is
// empty.
func (s *Store) ListFiringRecords(ctx context.Context, nodeID string) ([]domain.FiringRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.FiringRecord
	for _, rec := range s.fired {
		if nodeID == "" || rec.NodeID == nodeID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out, nil
}

func (s *Store) triggersOf(key domain.JobKey) map[domain.TriggerKey]domain.Trigger {
	out := make(map[domain.TriggerKey]domain.Trigger)
	for tk, tr := range s.triggers {
		if tr.JobKey == key {
			out[tk] = tr
		}
	}
	return out
}

// jobBusy reports whether the job is non-concurrent and has a live firing.
func (s *Store) jobBusy(key domain.JobKey) bool {
	job, ok := s.jobs[key]
	if !ok || !job.NonConcurrent {
		return false
	}
	for _, rec := range s.fired {
		if rec.JobKey == key {
			return true
		}
	}
	return false
}

func (s *Store) blockSiblings(job domain.JobKey, except domain.TriggerKey) {
	for tk, tr := range s.triggersOf(job) {
		if tk != except && tr.State == domain.TriggerStateWaiting {
			tr.State = domain.TriggerStateBlocked
			s.triggers[tk] = tr
		}
	}
}

func (s *Store) unblock(job domain.JobKey) {
	for tk, tr := range s.triggersOf(job) {
		if tr.State == domain.TriggerStateBlocked {
			tr.State = domain.TriggerStateWaiting
			s.triggers[tk] = tr
		}
	}
}

func cloneJob(j domain.Job) domain.Job {
	j.Data = store.CopyData(j.Data)
	return j
}

func cloneTrigger(tr domain.Trigger) domain.Trigger {
	tr.Data = store.CopyData(tr.Data)
	if tr.NextFireTime != nil {
		t := *tr.NextFireTime
		tr.NextFireTime = &t
	}
	if tr.PreviousFireTime != nil {
		t := *tr.PreviousFireTime
		tr.PreviousFireTime = &t
	}
	if tr.Schedule.EndAt != nil {
		t := *tr.Schedule.EndAt
		tr.Schedule.EndAt = &t
	}
	tr.Schedule.Blackouts = append([]domain.Window(nil), tr.Schedule.Blackouts...)
	tr.Schedule.ExcludedWeekdays = append([]time.Weekday(nil), tr.Schedule.ExcludedWeekdays...)
	return tr
}
