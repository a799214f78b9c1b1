// Package postgres is the clustered Job Store. Every node of a cluster points
// at the same database; trigger state transitions are serialized with a
// transaction-scoped advisory lock and guarded by compare-and-set updates.
package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"

	"github.com/djlord-it/cronfleet/internal/domain"
	"github.com/djlord-it/cronfleet/internal/store"
)

// DefaultLockKey is the advisory lock id shared by all nodes of a cluster.
// Clusters sharing one database must use distinct keys and table sets.
const DefaultLockKey int64 = 0x63726f6e666c74 // "cronflt"

// Store implements the Job Store contract on PostgreSQL.
type Store struct {
	db      *sql.DB
	lockKey int64
	clock   func() time.Time
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db, lockKey: DefaultLockKey, clock: time.Now}
}

// WithClock overrides the time source used for acquisition and heartbeats.
func (s *Store) WithClock(fn func() time.Time) *Store {
	s.clock = fn
	return s
}

// WithLockKey sets the advisory lock id.
func (s *Store) WithLockKey(key int64) *Store {
	s.lockKey = key
	return s
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// inTx runs fn in a transaction holding the cluster-wide advisory lock.
// Domain errors from fn pass through; everything else is reported as
// StoreUnavailable.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoreUnavailable(err, op)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryAdvisoryLock, s.lockKey); err != nil {
		return domain.StoreUnavailable(err, op)
	}
	if err := fn(tx); err != nil {
		return classify(err, op)
	}
	if err := tx.Commit(); err != nil {
		return domain.StoreUnavailable(err, op)
	}
	return nil
}

func classify(err error, op string) error {
	if domain.IsConfiguration(err) || domain.IsNotFound(err) || domain.IsStoreUnavailable(err) {
		return err
	}
	return domain.StoreUnavailable(err, op)
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// Fall back on the message for errors that crossed a wrapping boundary.
	errStr := err.Error()
	return strings.Contains(errStr, "23505") || strings.Contains(errStr, "unique constraint") || strings.Contains(errStr, "duplicate key")
}

// StoreJob inserts a job, or replaces it when replace is set.
func (s *Store) StoreJob(ctx context.Context, job domain.Job, replace bool) error {
	if err := store.ValidateJob(job); err != nil {
		return err
	}
	return s.execJob(ctx, s.db, job, replace)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) execJob(ctx context.Context, db execer, job domain.Job, replace bool) error {
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	args, err := jobArgs(job)
	if err != nil {
		return err
	}

	query := queryInsertJob
	if replace {
		query = queryUpsertJob
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		if isDuplicateKeyError(err) {
			return errors.Wrapf(domain.ErrAlreadyExists, "job %s", job.Key)
		}
		return domain.StoreUnavailable(err, "store job")
	}
	return nil
}

// StoreTrigger stores a trigger for an existing job and returns it with its
// first fire time computed.
func (s *Store) StoreTrigger(ctx context.Context, tr domain.Trigger, replace bool) (domain.Trigger, error) {
	var stored domain.Trigger
	err := s.inTx(ctx, "store trigger", func(tx *sql.Tx) error {
		if _, err := getJob(ctx, tx, tr.JobKey); err != nil {
			return err
		}
		var err error
		stored, err = s.putTrigger(ctx, tx, tr, replace)
		return err
	})
	return stored, err
}

func (s *Store) putTrigger(ctx context.Context, tx *sql.Tx, tr domain.Trigger, replace bool) (domain.Trigger, error) {
	now := s.now()
	if err := store.PrepareNew(&tr, now); err != nil {
		return domain.Trigger{}, err
	}

	existing, err := scanTrigger(tx.QueryRowContext(ctx, queryGetTriggerForUpdate, tr.Key.Group, tr.Key.Name))
	switch {
	case err == nil && !replace:
		return domain.Trigger{}, errors.Wrapf(domain.ErrAlreadyExists, "trigger %s", tr.Key)
	case err == nil:
		tr.CreatedAt = existing.CreatedAt
		if existing.State == domain.TriggerStateAcquired || existing.State == domain.TriggerStateExecuting {
			tr.State = existing.State
		}
	case !errors.Is(err, sql.ErrNoRows):
		return domain.Trigger{}, err
	}

	if tr.State == domain.TriggerStateWaiting {
		busy, err := s.jobBusy(ctx, tx, tr.JobKey)
		if err != nil {
			return domain.Trigger{}, err
		}
		if busy {
			tr.State = domain.TriggerStateBlocked
		}
	}

	if err == nil {
		err = updateTrigger(ctx, tx, tr)
	} else {
		err = insertTrigger(ctx, tx, tr)
	}
	if err != nil {
		return domain.Trigger{}, err
	}
	return tr, nil
}

// StoreJobAndTrigger stores both in one transaction.
func (s *Store) StoreJobAndTrigger(ctx context.Context, job domain.Job, tr domain.Trigger) (domain.Trigger, error) {
	if err := store.ValidateJob(job); err != nil {
		return domain.Trigger{}, err
	}
	tr.JobKey = job.Key
	probe := tr
	if err := store.PrepareNew(&probe, s.now()); err != nil {
		return domain.Trigger{}, err
	}

	var stored domain.Trigger
	err := s.inTx(ctx, "store job and trigger", func(tx *sql.Tx) error {
		if err := s.execJob(ctx, tx, job, false); err != nil {
			return err
		}
		var err error
		stored, err = s.putTrigger(ctx, tx, tr, false)
		return err
	})
	return stored, err
}

// RemoveJob deletes a job; its triggers go with it through the foreign key.
func (s *Store) RemoveJob(ctx context.Context, key domain.JobKey) (bool, error) {
	res, err := s.db.ExecContext(ctx, queryDeleteJob, key.Group, key.Name)
	if err != nil {
		return false, domain.StoreUnavailable(err, "remove job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.StoreUnavailable(err, "remove job")
	}
	return n > 0, nil
}

// RemoveTrigger deletes a trigger. A non-durable job left without triggers
// is deleted with it.
func (s *Store) RemoveTrigger(ctx context.Context, key domain.TriggerKey) (bool, error) {
	removed := false
	err := s.inTx(ctx, "remove trigger", func(tx *sql.Tx) error {
		tr, err := scanTrigger(tx.QueryRowContext(ctx, queryGetTriggerForUpdate, key.Group, key.Name))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, queryDeleteTrigger, key.Group, key.Name); err != nil {
			return err
		}
		removed = true

		job, err := getJob(ctx, tx, tr.JobKey)
		if domain.IsNotFound(err) {
			return nil
		}
		if err != nil || job.Durable {
			return err
		}
		var remaining int
		if err := tx.QueryRowContext(ctx, queryCountJobTriggers, job.Key.Group, job.Key.Name).Scan(&remaining); err != nil {
			return err
		}
		if remaining == 0 {
			_, err = tx.ExecContext(ctx, queryDeleteJob, job.Key.Group, job.Key.Name)
		}
		return err
	})
	return removed, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getJob(ctx context.Context, q queryRower, key domain.JobKey) (domain.Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx, queryGetJob, key.Group, key.Name))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, errors.Wrapf(domain.ErrNotFound, "job %s", key)
	}
	return job, err
}

func (s *Store) GetJob(ctx context.Context, key domain.JobKey) (domain.Job, error) {
	job, err := getJob(ctx, s.db, key)
	if err != nil {
		return domain.Job{}, classify(err, "get job")
	}
	return job, nil
}

func (s *Store) GetTrigger(ctx context.Context, key domain.TriggerKey) (domain.Trigger, error) {
	tr, err := scanTrigger(s.db.QueryRowContext(ctx, queryGetTrigger, key.Group, key.Name))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trigger{}, errors.Wrapf(domain.ErrNotFound, "trigger %s", key)
	}
	if err != nil {
		return domain.Trigger{}, domain.StoreUnavailable(err, "get trigger")
	}
	return tr, nil
}

// ListJobs returns the jobs of a group; an empty group lists every job.
func (s *Store) ListJobs(ctx context.Context, group string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, queryListJobs, group)
	if err != nil {
		return nil, domain.StoreUnavailable(err, "list jobs")
	}
	defer rows.Close()

	var result []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, domain.StoreUnavailable(err, "list jobs")
		}
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreUnavailable(err, "list jobs")
	}
	return result, nil
}

func (s *Store) ListTriggersForJob(ctx context.Context, key domain.JobKey) ([]domain.Trigger, error) {
	var result []domain.Trigger
	err := s.inTx(ctx, "list triggers", func(tx *sql.Tx) error {
		var err error
		result, err = listTriggersForJob(ctx, tx, key)
		return err
	})
	return result, err
}

func listTriggersForJob(ctx context.Context, tx *sql.Tx, key domain.JobKey) ([]domain.Trigger, error) {
	rows, err := tx.QueryContext(ctx, queryListTriggersForJob, key.Group, key.Name)
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

// UpdateJobData replaces the job's data map. Firings already acquired keep
// the snapshot they were handed.
func (s *Store) UpdateJobData(ctx context.Context, key domain.JobKey, data map[string]string) error {
	encoded, err := encodeData(data)
	if err != nil {
		return domain.ConfigurationError("", "job %s: encode data: %v", key, err)
	}
	res, err := s.db.ExecContext(ctx, queryUpdateJobData, key.Group, key.Name, encoded, s.now())
	if err != nil {
		return domain.StoreUnavailable(err, "update job data")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.StoreUnavailable(err, "update job data")
	}
	if n == 0 {
		return errors.Wrapf(domain.ErrNotFound, "job %s", key)
	}
	return nil
}

func insertTrigger(ctx context.Context, tx *sql.Tx, tr domain.Trigger) error {
	args, err := triggerInsertArgs(tr)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, queryInsertTrigger, args...); err != nil {
		if isDuplicateKeyError(err) {
			return errors.Wrapf(domain.ErrAlreadyExists, "trigger %s", tr.Key)
		}
		return err
	}
	return nil
}

func updateTrigger(ctx context.Context, tx *sql.Tx, tr domain.Trigger) error {
	args, err := triggerUpdateArgs(tr)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, queryUpdateTrigger, args...)
	return err
}

func (s *Store) jobBusy(ctx context.Context, tx *sql.Tx, key domain.JobKey) (bool, error) {
	job, err := getJob(ctx, tx, key)
	if domain.IsNotFound(err) {
		return false, nil
	}
	if err != nil || !job.NonConcurrent {
		return false, err
	}
	var busy bool
	err = tx.QueryRowContext(ctx, queryJobBusy, key.Group, key.Name).Scan(&busy)
	return busy, err
}
