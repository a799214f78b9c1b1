package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/djlord-it/cronfleet/internal/domain"
	"github.com/djlord-it/cronfleet/internal/schedule"
	"github.com/djlord-it/cronfleet/internal/store"
)

// candidateSlack over-fetches candidates so that triggers skipped for a busy
// non-concurrent job do not leave the batch short.
const candidateSlack = 2

// AcquireNextTriggers locks up to maxCount due triggers for nodeID. Misfired
// triggers get their misfire instruction applied first.
func (s *Store) AcquireNextTriggers(ctx context.Context, nodeID string, maxCount int, noLaterThan time.Time, misfireThreshold time.Duration) ([]domain.AcquiredTrigger, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	var out []domain.AcquiredTrigger
	err := s.inTx(ctx, "acquire triggers", func(tx *sql.Tx) error {
		out = nil
		now := s.now()

		scheduled, err := s.applyMisfires(ctx, tx, now, misfireThreshold)
		if err != nil {
			return err
		}

		limit := noLaterThan
		if len(scheduled) > 0 {
			limit = store.AcquireLimit(noLaterThan, now)
		}
		candidates, err := queryTriggers(ctx, tx, queryAcquireCandidates, limit, maxCount*candidateSlack)
		if err != nil {
			return err
		}

		jobs := make(map[domain.JobKey]*domain.Job)
		taken := make(map[domain.JobKey]bool)
		for _, c := range candidates {
			if len(out) >= maxCount {
				break
			}
			job, err := s.batchJob(ctx, tx, jobs, c.JobKey)
			if err != nil {
				return err
			}
			if job == nil {
				c.State = domain.TriggerStateError
				c.LastError = "job " + c.JobKey.String() + " does not exist"
				c.UpdatedAt = now
				if err := updateTrigger(ctx, tx, c); err != nil {
					return err
				}
				continue
			}
			if job.NonConcurrent {
				if taken[job.Key] {
					continue
				}
				busy, err := s.jobBusy(ctx, tx, job.Key)
				if err != nil {
					return err
				}
				if busy {
					continue
				}
			}

			res, err := tx.ExecContext(ctx, queryMarkAcquired, c.Key.Group, c.Key.Name, *c.NextFireTime, now)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil || n == 0 {
				continue
			}

			original, ok := scheduled[c.Key]
			if !ok {
				original = *c.NextFireTime
			}
			rec := store.NewFiringRecord(nodeID, c, *job, original, now)
			if _, err := tx.ExecContext(ctx, queryInsertFired, firedArgs(rec)...); err != nil {
				return err
			}
			if job.NonConcurrent {
				taken[job.Key] = true
				if _, err := tx.ExecContext(ctx, queryBlockSiblings, job.Key.Group, job.Key.Name, c.Key.Group, c.Key.Name); err != nil {
					return err
				}
			}

			c.State = domain.TriggerStateAcquired
			c.UpdatedAt = now
			out = append(out, domain.AcquiredTrigger{Record: rec, Trigger: c, Job: *job})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// applyMisfires handles every WAITING trigger late by more than threshold.
// It returns the original fire time of the triggers it decided to fire now.
func (s *Store) applyMisfires(ctx context.Context, tx *sql.Tx, now time.Time, threshold time.Duration) (map[domain.TriggerKey]time.Time, error) {
	misfired, err := queryTriggers(ctx, tx, queryMisfiredTriggers, now.Add(-threshold))
	if err != nil {
		return nil, err
	}
	scheduled := make(map[domain.TriggerKey]time.Time)
	for _, tr := range misfired {
		if !schedule.Misfired(tr, now, threshold) {
			continue
		}
		original := *tr.NextFireTime
		if store.HandleMisfire(&tr, now) {
			scheduled[tr.Key] = original
		}
		if err := updateTrigger(ctx, tx, tr); err != nil {
			return nil, err
		}
	}
	return scheduled, nil
}

func (s *Store) batchJob(ctx context.Context, tx *sql.Tx, cache map[domain.JobKey]*domain.Job, key domain.JobKey) (*domain.Job, error) {
	if job, ok := cache[key]; ok {
		return job, nil
	}
	job, err := getJob(ctx, tx, key)
	if domain.IsNotFound(err) {
		cache[key] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cache[key] = &job
	return &job, nil
}

func queryTriggers(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) ([]domain.Trigger, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Trigger
	for rows.Next() {
		tr, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tr)
	}
	return result, rows.Err()
}

// NextFireTime returns the earliest fire time among WAITING triggers, or nil.
func (s *Store) NextFireTime(ctx context.Context) (*time.Time, error) {
	var next sql.NullTime
	if err := s.db.QueryRowContext(ctx, queryNextFireTime).Scan(&next); err != nil {
		return nil, domain.StoreUnavailable(err, "next fire time")
	}
	return timePtr(next), nil
}

// TriggerFired moves an acquired firing to EXECUTING. It returns false when
// the firing must not run: the trigger was paused or removed, or the record
// was reclaimed.
func (s *Store) TriggerFired(ctx context.Context, recordID uuid.UUID) (bool, error) {
	fired := false
	err := s.inTx(ctx, "trigger fired", func(tx *sql.Tx) error {
		rec, err := scanFired(tx.QueryRowContext(ctx, queryGetFiredForUpdate, recordID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.State != domain.FiringStateAcquired {
			return nil
		}
		if _, err := getJob(ctx, tx, rec.JobKey); err != nil {
			if domain.IsNotFound(err) {
				return nil
			}
			return err
		}

		res, err := tx.ExecContext(ctx, queryTriggerExecuting, rec.TriggerKey.Group, rec.TriggerKey.Name, s.now())
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		if _, err := tx.ExecContext(ctx, queryMarkExecuting, recordID); err != nil {
			return err
		}
		fired = true
		return nil
	})
	return fired, err
}

// ReleaseTrigger records the outcome of a firing and drops its lock. A
// record that no longer exists yields ErrNotFound.
func (s *Store) ReleaseTrigger(ctx context.Context, recordID uuid.UUID, outcome domain.Outcome) error {
	return s.inTx(ctx, "release trigger", func(tx *sql.Tx) error {
		rec, err := scanFired(tx.QueryRowContext(ctx, queryGetFiredForUpdate, recordID))
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(domain.ErrNotFound, "firing record %s", recordID)
		}
		if err != nil {
			return err
		}
		now := s.now()
		return s.settle(ctx, tx, rec, func(tr *domain.Trigger, job *domain.Job) bool {
			return store.ApplyOutcome(tr, job, rec, outcome, now)
		})
	})
}

// settle applies fn to the record's trigger and job, deletes the record and
// unblocks the job's other triggers.
func (s *Store) settle(ctx context.Context, tx *sql.Tx, rec domain.FiringRecord, fn func(tr *domain.Trigger, job *domain.Job) bool) error {
	if _, err := tx.ExecContext(ctx, queryDeleteFired, rec.ID); err != nil {
		return err
	}

	var jobPtr *domain.Job
	job, err := getJob(ctx, tx, rec.JobKey)
	switch {
	case err == nil:
		jobPtr = &job
	case !domain.IsNotFound(err):
		return err
	}

	tr, err := scanTrigger(tx.QueryRowContext(ctx, queryGetTriggerForUpdate, rec.TriggerKey.Group, rec.TriggerKey.Name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	failuresBefore := job.ConsecutiveFailures
	pause := fn(&tr, jobPtr)
	if tr.State == domain.TriggerStateWaiting {
		busy, err := s.jobBusy(ctx, tx, tr.JobKey)
		if err != nil {
			return err
		}
		if busy {
			tr.State = domain.TriggerStateBlocked
		}
	}
	if err := updateTrigger(ctx, tx, tr); err != nil {
		return err
	}
	if jobPtr == nil {
		return nil
	}

	now := s.now()
	if job.ConsecutiveFailures != failuresBefore {
		if _, err := tx.ExecContext(ctx, queryUpdateJobFailures, job.Key.Group, job.Key.Name, job.ConsecutiveFailures, now); err != nil {
			return err
		}
	}
	if pause {
		if _, err := tx.ExecContext(ctx, queryPauseJobTriggers, job.Key.Group, job.Key.Name, now); err != nil {
			return err
		}
	}
	if job.NonConcurrent {
		busy, err := s.jobBusy(ctx, tx, job.Key)
		if err != nil {
			return err
		}
		if !busy {
			if _, err := tx.ExecContext(ctx, queryUnblockJob, job.Key.Group, job.Key.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReclaimLocks resolves every firing record held by nodeID and forgets the
// node. Acquired records go back to WAITING; executing ones are re-fired
// when the job requests recovery and recorded as failed otherwise.
func (s *Store) ReclaimLocks(ctx context.Context, nodeID string) (domain.ReclaimResult, error) {
	res := domain.ReclaimResult{NodeID: nodeID}
	err := s.inTx(ctx, "reclaim locks", func(tx *sql.Tx) error {
		res = domain.ReclaimResult{NodeID: nodeID}
		recs, err := listFired(ctx, tx, queryListFiredForNode, nodeID)
		if err != nil {
			return err
		}
		now := s.now()
		for _, rec := range recs {
			rec := rec
			var bucket string
			err := s.settle(ctx, tx, rec, func(tr *domain.Trigger, job *domain.Job) bool {
				var pause bool
				bucket, pause = store.Reclaim(tr, job, rec, now)
				return pause
			})
			if err != nil {
				return err
			}
			switch bucket {
			case "released":
				res.Released++
			case "refired":
				res.Refired++
			case "failed":
				res.Failed++
			}
		}
		_, err = tx.ExecContext(ctx, queryDeleteNode, nodeID)
		return err
	})
	return res, err
}

// ListFiringRecords returns live firing records, all of them when nodeID is
// empty.
func (s *Store) ListFiringRecords(ctx context.Context, nodeID string) ([]domain.FiringRecord, error) {
	recs, err := listFired(ctx, s.db, queryListFired, nodeID)
	if err != nil {
		return nil, domain.StoreUnavailable(err, "list firing records")
	}
	return recs, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func listFired(ctx context.Context, q querier, query string, nodeID string) ([]domain.FiringRecord, error) {
	rows, err := q.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.FiringRecord
	for rows.Next() {
		rec, err := scanFired(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *Store) PauseTrigger(ctx context.Context, key domain.TriggerKey) error {
	return s.inTx(ctx, "pause trigger", func(tx *sql.Tx) error {
		tr, err := getTriggerForUpdate(ctx, tx, key)
		if err != nil {
			return err
		}
		if tr.State == domain.TriggerStateComplete {
			return nil
		}
		tr.State = domain.TriggerStatePaused
		tr.UpdatedAt = s.now()
		return updateTrigger(ctx, tx, tr)
	})
}

func (s *Store) ResumeTrigger(ctx context.Context, key domain.TriggerKey) error {
	return s.inTx(ctx, "resume trigger", func(tx *sql.Tx) error {
		tr, err := getTriggerForUpdate(ctx, tx, key)
		if err != nil {
			return err
		}
		return s.resume(ctx, tx, tr)
	})
}

func (s *Store) PauseJob(ctx context.Context, key domain.JobKey) error {
	return s.inTx(ctx, "pause job", func(tx *sql.Tx) error {
		if _, err := getJob(ctx, tx, key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, queryPauseJobTriggers, key.Group, key.Name, s.now())
		return err
	})
}

func (s *Store) ResumeJob(ctx context.Context, key domain.JobKey) error {
	return s.inTx(ctx, "resume job", func(tx *sql.Tx) error {
		if _, err := getJob(ctx, tx, key); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, queryUpdateJobFailures, key.Group, key.Name, 0, s.now()); err != nil {
			return err
		}
		triggers, err := listTriggersForJob(ctx, tx, key)
		if err != nil {
			return err
		}
		for _, tr := range triggers {
			if err := s.resume(ctx, tx, tr); err != nil {
				return err
			}
		}
		return nil
	})
}

// resume puts a paused or errored trigger back where it belongs: under its
// live lock if it still has one, BLOCKED if its non-concurrent job is busy,
// WAITING otherwise.
func (s *Store) resume(ctx context.Context, tx *sql.Tx, tr domain.Trigger) error {
	if tr.State != domain.TriggerStatePaused && tr.State != domain.TriggerStateError {
		return nil
	}
	tr.UpdatedAt = s.now()

	rec, err := scanFired(tx.QueryRowContext(ctx, queryGetFiredByTrigger, tr.Key.Group, tr.Key.Name))
	switch {
	case err == nil:
		tr.State = domain.TriggerState(rec.State)
	case !errors.Is(err, sql.ErrNoRows):
		return err
	case tr.NextFireTime == nil:
		tr.State = domain.TriggerStateComplete
	default:
		tr.State = domain.TriggerStateWaiting
		busy, err := s.jobBusy(ctx, tx, tr.JobKey)
		if err != nil {
			return err
		}
		if busy {
			tr.State = domain.TriggerStateBlocked
		}
	}
	return updateTrigger(ctx, tx, tr)
}

func getTriggerForUpdate(ctx context.Context, tx *sql.Tx, key domain.TriggerKey) (domain.Trigger, error) {
	tr, err := scanTrigger(tx.QueryRowContext(ctx, queryGetTriggerForUpdate, key.Group, key.Name))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trigger{}, errors.Wrapf(domain.ErrNotFound, "trigger %s", key)
	}
	return tr, err
}
