package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's already claimed
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in pending status")

	// ErrJobCancelled is returned when a job's cancel flag was observed mid-run
	ErrJobCancelled = errors.New("job cancelled")

	// ErrInvalidPayload is returned when a job input payload is malformed
	ErrInvalidPayload = errors.New("invalid job payload")
)

// NetworkError wraps transient transport failures (connection refused, timeout,
// DNS failure). These are the only errors the retry executor retries.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError wraps err as a transient network failure for operation op.
func NewNetworkError(op string, err error) error {
	return &NetworkError{Op: op, Err: err}
}

// ProviderRejectedError is a synchronous validation/auth/payload rejection from
// a provider. Never retried; surfaced immediately.
type ProviderRejectedError struct {
	Provider   string
	StatusCode int
	Reason     string
}

func (e *ProviderRejectedError) Error() string {
	return fmt.Sprintf("provider %s rejected request (status %d): %s", e.Provider, e.StatusCode, e.Reason)
}

// ProviderJobFailedError means the provider accepted the job but it failed
// during processing. SafetyBlocked marks content-safety rejections, which the
// sequencer may degrade on instead of aborting.
type ProviderJobFailedError struct {
	Provider      string
	ExternalID    string
	Reason        string
	SafetyBlocked bool
}

func (e *ProviderJobFailedError) Error() string {
	if e.SafetyBlocked {
		return fmt.Sprintf("provider %s job %s blocked by safety filter: %s", e.Provider, e.ExternalID, e.Reason)
	}
	return fmt.Sprintf("provider %s job %s failed: %s", e.Provider, e.ExternalID, e.Reason)
}

// PollTimeoutError means a provider job never reached a terminal state within
// the attempt budget. Elapsed is wall-clock time spent polling.
type PollTimeoutError struct {
	ExternalID string
	Attempts   int
	Elapsed    time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("polling job %s timed out after %d attempts (%s elapsed)", e.ExternalID, e.Attempts, e.Elapsed.Round(time.Second))
}

// StageError attributes a failure to the pipeline stage it happened in, so a
// failed job can later be retried from that stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage returns the stage name a failure happened in, if attributed.
func FailedStage(err error) (string, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage, true
	}
	return "", false
}

// Retryable reports whether err is a transient failure worth retrying.
// Classification relies on typed errors produced at the boundary where the
// failure originated, never on message text.
func Retryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsSafetyBlocked reports whether err is a provider-side content-safety
// rejection, the trigger for stage-level graceful degradation.
func IsSafetyBlocked(err error) bool {
	var jobErr *ProviderJobFailedError
	return errors.As(err, &jobErr) && jobErr.SafetyBlocked
}

// IsProviderJobFailed reports whether the provider accepted then failed the job.
func IsProviderJobFailed(err error) bool {
	var jobErr *ProviderJobFailedError
	return errors.As(err, &jobErr)
}

// IsPollTimeout reports whether err is a poll attempt-budget exhaustion.
func IsPollTimeout(err error) bool {
	var toErr *PollTimeoutError
	return errors.As(err, &toErr)
}
