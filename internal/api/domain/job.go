package domain

import (
	"errors"
)

// Job status values, shared with the orchestrator.
const (
	JobStatusPending    = "pending"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// TerminalStatus reports whether a job permits no further transitions.
func TerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobTerminal     = errors.New("job already reached a terminal state")
	ErrJobNotTerminal  = errors.New("job has not reached a terminal state")
	ErrJobNotRetryable = errors.New("job is not failed or stuck, nothing to retry")
)
