package orchestrator

import (
	"context"
	"time"
)

// Job status values. A job is created pending, becomes processing when its
// first stage is submitted, and ends in exactly one terminal state.
const (
	JobStatusPending    = "pending"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Job kind values.
const (
	JobKindTraining        = "training"
	JobKindImageGeneration = "image-generation"
	JobKindVideoGeneration = "video-generation"
	JobKindUpscale         = "upscale"
	JobKindFaceSwap        = "face-swap"
)

// TerminalStatus reports whether status permits no further transitions.
func TerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one orchestrated unit of multi-stage asynchronous work. It is
// exclusively owned by the runner for its processing lifetime; external
// callers only read snapshots or request cancellation.
type Job struct {
	JobID          string
	Kind           string
	Status         string
	Progress       int
	ExternalStatus string
	ErrorMessage   string
	FailedStage    string
	Input          map[string]any
	Output         map[string]any
	Logs           []string
	CancelRequest  bool
	RetryOf        string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobUpdate carries the fields the runner mutates on a job between creation
// and its terminal state. Nil fields are left untouched by the store.
type JobUpdate struct {
	Status         *string
	Progress       *int
	ExternalStatus *string
	ErrorMessage   *string
	FailedStage    *string
	Output         map[string]any
	AppendLogs     []string
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// JobStore is the persistence boundary the orchestrator drives. The runner is
// the single writer for a job while it runs; readers get consistent snapshots.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*Job, error)
	Update(ctx context.Context, jobID string, update JobUpdate) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
}
