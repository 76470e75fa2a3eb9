package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PipelineBuilder produces the ordered stages for a job. Implementations live
// outside this package (internal/pipeline) so the runner stays provider- and
// kind-agnostic.
type PipelineBuilder interface {
	Build(job *Job, reporter Reporter) ([]Stage, error)
}

// Runner drives one job from processing to a terminal state. It owns the job
// record for the duration of the run: nothing else writes to it.
type Runner struct {
	store    JobStore
	builder  PipelineBuilder
	logger   *slog.Logger
	cancelIv time.Duration
}

// NewRunner creates a Runner. cancelInterval is how often the store's cancel
// flag is checked; cancellation takes effect within roughly one interval.
func NewRunner(store JobStore, builder PipelineBuilder, cancelInterval time.Duration, logger *slog.Logger) *Runner {
	if cancelInterval <= 0 {
		cancelInterval = 2 * time.Second
	}
	return &Runner{
		store:    store,
		builder:  builder,
		logger:   logger,
		cancelIv: cancelInterval,
	}
}

// Run executes the job to completion, failure, or cancellation. The job must
// already be claimed (status processing) by the caller; Run records
// started_at, builds the pipeline for the job kind, runs the sequencer, and
// persists exactly one terminal transition.
func (r *Runner) Run(ctx context.Context, job *Job) error {
	logger := r.logger.With(
		slog.String("job_id", job.JobID),
		slog.String("kind", job.Kind),
	)

	reporter := NewJobReporter(job.JobID, r.store, logger)
	defer reporter.Freeze()

	now := time.Now().UTC()
	processing := JobStatusProcessing
	if err := r.store.Update(ctx, job.JobID, JobUpdate{
		Status:    &processing,
		StartedAt: &now,
	}); err != nil {
		return fmt.Errorf("marking job processing: %w", err)
	}

	stages, err := r.builder.Build(job, reporter)
	if err != nil {
		r.finishFailed(job.JobID, nil, reporter, logger, fmt.Errorf("building pipeline: %w", err))
		return err
	}

	// Cooperative cancellation: a watcher polls the store's cancel flag and
	// cancels the run context. The sequencer stops at the next stage boundary
	// and the poll loop at the next iteration.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	cancelled := make(chan struct{})
	watcherDone := make(chan struct{})
	go r.watchCancel(runCtx, job.JobID, cancelRun, cancelled, watcherDone)

	seq := NewSequencer(stages, reporter, logger)
	output, runErr := seq.Run(runCtx, job.Input)

	cancelRun()
	<-watcherDone

	select {
	case <-cancelled:
		r.finishCancelled(job.JobID, reporter, logger)
		return ErrJobCancelled
	default:
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			// Worker shutdown, not a user cancel; leave a log line and fail
			// the run so the dispatch layer can requeue it.
			reporter.AppendLog("run interrupted: " + runErr.Error())
			return runErr
		}
		r.finishFailed(job.JobID, output, reporter, logger, runErr)
		return runErr
	}

	r.finishCompleted(job.JobID, output, reporter, logger)
	return nil
}

// watchCancel polls the store's cancel flag until the run context ends. When
// the flag is observed, cancelled is closed and the run context cancelled.
func (r *Runner) watchCancel(ctx context.Context, jobID string, cancelRun context.CancelFunc, cancelled chan<- struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cancelIv)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := r.store.CancelRequested(ctx, jobID)
			if err != nil {
				r.logger.Warn("Failed to check cancel flag",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if requested {
				close(cancelled)
				cancelRun()
				return
			}
		}
	}
}

func (r *Runner) finishCompleted(jobID string, output map[string]any, reporter *JobReporter, logger *slog.Logger) {
	reporter.UpdateProgress(100)
	reporter.AppendLog("job completed")
	reporter.Freeze()

	now := time.Now().UTC()
	completed := JobStatusCompleted
	progress := 100
	if err := r.updateTerminal(jobID, JobUpdate{
		Status:      &completed,
		Progress:    &progress,
		Output:      output,
		CompletedAt: &now,
	}); err != nil {
		logger.Error("Failed to persist completed status",
			slog.String("error", err.Error()),
		)
		return
	}

	logger.Info("Job completed")
}

func (r *Runner) finishFailed(jobID string, partial map[string]any, reporter *JobReporter, logger *slog.Logger, cause error) {
	// The top-level message is normalized; the raw detail stays in the log.
	reporter.AppendLog("job failed: " + cause.Error())
	reporter.Freeze()

	now := time.Now().UTC()
	failed := JobStatusFailed
	msg := normalizeError(cause)
	update := JobUpdate{
		Status:       &failed,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	}
	// Completed-stage outputs survive the failure; a stage-level retry seeds
	// its resumed run from them.
	if len(partial) > 0 {
		update.Output = partial
	}
	if stage, ok := FailedStage(cause); ok {
		update.FailedStage = &stage
	}
	if err := r.updateTerminal(jobID, update); err != nil {
		logger.Error("Failed to persist failed status",
			slog.String("error", err.Error()),
		)
		return
	}

	logger.Error("Job failed",
		slog.String("error", cause.Error()),
	)
}

func (r *Runner) finishCancelled(jobID string, reporter *JobReporter, logger *slog.Logger) {
	reporter.AppendLog("job cancelled by caller")
	reporter.Freeze()

	now := time.Now().UTC()
	cancelledStatus := JobStatusCancelled
	if err := r.updateTerminal(jobID, JobUpdate{
		Status:      &cancelledStatus,
		CompletedAt: &now,
	}); err != nil {
		logger.Error("Failed to persist cancelled status",
			slog.String("error", err.Error()),
		)
		return
	}

	logger.Info("Job cancelled")
}

// updateTerminal persists a terminal transition with a fresh context: the run
// context may already be cancelled and the terminal write must still land.
func (r *Runner) updateTerminal(jobID string, update JobUpdate) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.store.Update(ctx, jobID, update)
}

// normalizeError maps internal failures onto caller-readable messages.
func normalizeError(err error) string {
	var rejected *ProviderRejectedError
	if errors.As(err, &rejected) {
		return fmt.Sprintf("provider %s rejected the request: %s", rejected.Provider, rejected.Reason)
	}

	var jobFailed *ProviderJobFailedError
	if errors.As(err, &jobFailed) {
		if jobFailed.SafetyBlocked {
			return "generation was blocked by the provider's content safety filter"
		}
		return "the generation provider failed while processing this job"
	}

	var timeout *PollTimeoutError
	if errors.As(err, &timeout) {
		return fmt.Sprintf("the job did not finish within the expected time (%s); it can be retried", timeout.Elapsed.Round(time.Second))
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return "a network error prevented the job from completing; it can be retried"
	}

	return err.Error()
}
