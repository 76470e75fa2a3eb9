package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MaxLogLines caps a job's in-memory log buffer; oldest lines are dropped so
// a long video-generation run can't grow without bound.
const MaxLogLines = 200

// Reporter is the single progress sink handed to every stage of a job. Stages
// emit through it instead of threading callbacks through each function.
type Reporter interface {
	UpdateProgress(percent int)
	AppendLog(line string)
	SetExternalStatus(label string)
}

// JobReporter reports progress, logs, and provider sub-state for one job,
// writing through the job store. Progress is clamped to [0,100], monotonic
// non-decreasing while the job is processing, and frozen once Freeze is
// called. Safe for use from the runner's goroutines; the job store write
// discipline stays single-writer because only this reporter touches the job.
type JobReporter struct {
	jobID  string
	store  JobStore
	logger *slog.Logger

	mu       sync.Mutex
	progress int
	external string
	logs     []string
	frozen   bool
}

// NewJobReporter creates the reporter for one job run.
func NewJobReporter(jobID string, store JobStore, logger *slog.Logger) *JobReporter {
	return &JobReporter{
		jobID:  jobID,
		store:  store,
		logger: logger,
	}
}

// UpdateProgress records percent, clamped and never decreasing.
func (r *JobReporter) UpdateProgress(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	r.mu.Lock()
	if r.frozen || percent <= r.progress {
		r.mu.Unlock()
		return
	}
	r.progress = percent
	r.mu.Unlock()

	r.persist(JobUpdate{Progress: &percent})
}

// AppendLog appends one line to the job's bounded log buffer.
func (r *JobReporter) AppendLog(line string) {
	stamped := time.Now().UTC().Format(time.RFC3339) + " " + line

	r.mu.Lock()
	if r.frozen {
		r.mu.Unlock()
		return
	}
	r.logs = append(r.logs, stamped)
	if len(r.logs) > MaxLogLines {
		r.logs = r.logs[len(r.logs)-MaxLogLines:]
	}
	r.mu.Unlock()

	r.persist(JobUpdate{AppendLogs: []string{stamped}})
}

// SetExternalStatus records the provider-reported sub-state label.
func (r *JobReporter) SetExternalStatus(label string) {
	r.mu.Lock()
	if r.frozen || label == r.external {
		r.mu.Unlock()
		return
	}
	r.external = label
	r.mu.Unlock()

	r.persist(JobUpdate{ExternalStatus: &label})
}

// Progress returns the last reported percentage.
func (r *JobReporter) Progress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// Logs returns a copy of the retained log lines.
func (r *JobReporter) Logs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.logs))
	copy(out, r.logs)
	return out
}

// Freeze stops all further reporting. Called by the runner when the job
// reaches a terminal state, so late stage goroutines can't mutate it.
func (r *JobReporter) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// persist writes the update through the store. Store failures are logged and
// swallowed: losing one progress tick must not fail the job itself.
func (r *JobReporter) persist(update JobUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.store.Update(ctx, r.jobID, update); err != nil {
		r.logger.Warn("Failed to persist job progress update",
			slog.String("job_id", r.jobID),
			slog.String("error", err.Error()),
		)
	}
}
