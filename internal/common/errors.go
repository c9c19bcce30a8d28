package common

import (
	"errors"
	"fmt"
)

// Domain errors - use errors.Is() to check
var (
	// Generic errors
	ErrInternal     = errors.New("internal error")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")

	// Authentication errors
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// Resource-specific errors
	ErrJobNotFound      = fmt.Errorf("job %w", ErrNotFound)
	ErrDatasetNotFound  = fmt.Errorf("dataset %w", ErrNotFound)
	ErrQCRecordNotFound = fmt.Errorf("qc record %w", ErrNotFound)
	ErrFileNotFound     = fmt.Errorf("file %w", ErrNotFound)

	// Pipeline errors
	ErrMissingParameter      = errors.New("missing parameter")
	ErrInvalidStatus         = errors.New("invalid status")
	ErrCalibrationIncomplete = errors.New("no complete set of external standards available")
	ErrStorage               = errors.New("storage failure")
	ErrJobExecution          = errors.New("job execution failed")
	ErrPoolExhausted         = errors.New("worker pool exhausted")
	ErrPoolClosed            = errors.New("worker pool closed")
	ErrDatasetBusy           = errors.New("dataset already has an active job")

	// ErrInterrupted is returned by a stage that observed its interruption
	// signal. The job has already been requeued when this is returned.
	ErrInterrupted = errors.New("job interrupted")

	// Validation errors
	ErrValidation = errors.New("validation error")
)

// ValidationError represents a validation error with field details
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is implements errors.Is for ValidationError
func (e ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// JobExecutionError is what a failed stage surfaces to the worker. Cause keeps
// the underlying failure reachable through errors.Is / errors.As.
type JobExecutionError struct {
	JobID string
	Stage string
	Cause error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s (%s): %v", e.JobID, e.Stage, e.Cause)
}

func (e *JobExecutionError) Unwrap() []error {
	return []error{ErrJobExecution, e.Cause}
}

// MissingParameter reports a required job or request parameter that was absent.
func MissingParameter(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingParameter, name)
}

// InvalidStatus reports a status value outside the permitted set.
func InvalidStatus(value any) error {
	return fmt.Errorf("%w: %v", ErrInvalidStatus, value)
}

// WrapNotFound wraps an error as a not found error with context
func WrapNotFound(resource string, err error) error {
	return fmt.Errorf("%s: %w", resource, errors.Join(ErrNotFound, err))
}

// WrapInternal wraps an error as an internal error with context
func WrapInternal(operation string, err error) error {
	return fmt.Errorf("%s: %w", operation, errors.Join(ErrInternal, err))
}

// WrapStorage marks an error as a persistence failure.
func WrapStorage(operation string, err error) error {
	return fmt.Errorf("%s: %w", operation, errors.Join(ErrStorage, err))
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnauthorized checks if error is an unauthorized error
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsForbidden checks if error is a forbidden error
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsValidation checks if error is a validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsMissingParameter checks if error is a missing parameter error
func IsMissingParameter(err error) bool {
	return errors.Is(err, ErrMissingParameter)
}

// IsInvalidStatus checks if error is an invalid status error
func IsInvalidStatus(err error) bool {
	return errors.Is(err, ErrInvalidStatus)
}

// IsConflict checks if error reports work already in progress
func IsConflict(err error) bool {
	return errors.Is(err, ErrDatasetBusy)
}

// IsInterrupted checks if error signals a cooperative interruption
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}
