package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's
	// already claimed or past its dispatchable states
	ErrJobAlreadyClaimed = errors.New("job already claimed or not dispatchable")

	// ErrJobCancelledBeforeStart is returned when a job's cancel flag was set
	// before any worker picked it up
	ErrJobCancelledBeforeStart = errors.New("job cancelled before processing started")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
