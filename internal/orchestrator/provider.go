package orchestrator

import "context"

// ExternalStatus is the normalized state a provider reports for a submitted job.
type ExternalStatus string

const (
	StatusInQueue    ExternalStatus = "IN_QUEUE"
	StatusInProgress ExternalStatus = "IN_PROGRESS"
	StatusCompleted  ExternalStatus = "COMPLETED"
	StatusFailed     ExternalStatus = "FAILED"
)

// Terminal reports whether the status ends polling.
func (s ExternalStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Submission is the uniform envelope returned by every provider submit call,
// regardless of the provider-specific payload that produced it.
type Submission struct {
	ExternalJobID string
}

// StatusSnapshot is one status-check observation of an external job. Logs
// carries provider free-text log lines, which may embed sub-progress
// (e.g. "step 500/1000") extractable by a Poller's ExtractProgress func.
type StatusSnapshot struct {
	Status ExternalStatus
	Logs   []string
	Detail string

	// SafetyBlocked is set by the provider boundary when a FAILED status was
	// caused by the provider's content-safety filter.
	SafetyBlocked bool
}

// Provider is the three-call contract every generation provider integration
// implements. Payload shapes are provider-specific; the envelope is not.
// Implementations classify their own failures into the typed errors of this
// package at the boundary (NetworkError, ProviderRejectedError,
// ProviderJobFailedError) so callers never inspect error text.
type Provider interface {
	Name() string
	Submit(ctx context.Context, kind string, payload map[string]any) (Submission, error)
	Status(ctx context.Context, externalJobID string) (StatusSnapshot, error)
	Result(ctx context.Context, externalJobID string) (map[string]any, error)
}
