package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Error taxonomy. Use errors.Is against these sentinels; wrapping preserves
// the mark.
var (
	// ErrConfiguration is reported at creation time and never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrAlreadyExists is a configuration error raised on duplicate identity.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidSchedule is a configuration error raised for a schedule rule
	// that cannot produce fire times.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrStoreUnavailable marks transient backing-store failures. Callers
	// retry with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrNotFound = errors.New("not found")
)

// ConfigurationError builds a configuration error with a user-facing hint.
func ConfigurationError(hint string, format string, args ...interface{}) error {
	err := errors.Mark(errors.Newf(format, args...), ErrConfiguration)
	if hint != "" {
		err = errors.WithHint(err, hint)
	}
	return err
}

// InvalidSchedule wraps a schedule validation failure.
func InvalidSchedule(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidSchedule)
}

// StoreUnavailable marks err as a transient store failure. nil stays nil.
func StoreUnavailable(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, op), ErrStoreUnavailable)
}

func IsConfiguration(err error) bool {
	return errors.IsAny(err, ErrConfiguration, ErrAlreadyExists, ErrInvalidSchedule)
}

func IsStoreUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }
func IsNotFound(err error) bool         { return errors.Is(err, ErrNotFound) }
func IsAlreadyExists(err error) bool    { return errors.Is(err, ErrAlreadyExists) }
func IsInvalidSchedule(err error) bool  { return errors.Is(err, ErrInvalidSchedule) }

// JobExecutionError is a failure raised by user job code.
type JobExecutionError struct {
	JobKey JobKey
	Err    error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s: %v", e.JobKey, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }
