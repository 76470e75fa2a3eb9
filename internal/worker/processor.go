package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/duropiri/novai-sub002/internal/orchestrator"
	"github.com/duropiri/novai-sub002/internal/worker/domain"
)

// processJob claims the job and drives it to a terminal state via the runner.
// The returned error decides the ACK/NACK outcome in the pool loop: nil means
// the job reached a terminal state (or is owned elsewhere and settled), a
// RetryableError means the outcome is still open and the message must requeue.
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	w.logger.Info("Processing job",
		slog.String("job_id", msg.JobID),
	)

	job, err := w.storage.ClaimJob(ctx, msg.JobID, w.workerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			w.logger.Warn("Job already claimed or terminal, skipping",
				slog.String("job_id", msg.JobID),
			)
			return err
		}
		if errors.Is(err, domain.ErrJobCancelledBeforeStart) {
			w.logger.Info("Job cancelled before processing",
				slog.String("job_id", msg.JobID),
			)
			return err
		}
		// Claim hit a database error; the job is still dispatchable
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	jobCtx := ctx
	var cancel context.CancelFunc
	if w.jobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	runErr := w.runner.Run(jobCtx, job)
	if runErr == nil {
		return nil
	}

	// Cancellation is a terminal outcome the runner already persisted
	if errors.Is(runErr, orchestrator.ErrJobCancelled) {
		return nil
	}

	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			// Worker shutdown interrupted the run mid-pipeline. Put the job
			// back in queued so the requeued message can claim it again.
			w.requeueInterrupted(msg.JobID)
			return domain.NewRetryableError(fmt.Errorf("run interrupted by shutdown: %w", runErr))
		}

		// Job-level timeout, not shutdown. The run budget is spent; fail it.
		w.failTimedOut(msg.JobID)
		return nil
	}

	// Pipeline failure; the runner persisted the failed terminal state
	w.logger.Error("Job failed",
		slog.String("job_id", msg.JobID),
		slog.String("error", runErr.Error()),
	)
	return nil
}

// requeueInterrupted returns a shutdown-interrupted job to queued so the next
// delivery can claim it. Uses a fresh context; the worker context is done.
func (w *Worker) requeueInterrupted(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queued := orchestrator.JobStatusQueued
	if err := w.storage.Update(ctx, jobID, orchestrator.JobUpdate{
		Status:     &queued,
		AppendLogs: []string{"worker shutdown interrupted the run; job requeued"},
	}); err != nil {
		w.logger.Error("Failed to requeue interrupted job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// failTimedOut marks a job failed after its run exceeded the worker's job
// timeout budget.
func (w *Worker) failTimedOut(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	failed := orchestrator.JobStatusFailed
	msg := fmt.Sprintf("the job exceeded the worker's run budget (%s); it can be retried", w.jobTimeout)
	if err := w.storage.Update(ctx, jobID, orchestrator.JobUpdate{
		Status:       &failed,
		ErrorMessage: &msg,
		CompletedAt:  &now,
		AppendLogs:   []string{"job failed: run exceeded timeout " + w.jobTimeout.String()},
	}); err != nil {
		w.logger.Error("Failed to persist timeout failure",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	w.logger.Error("Job timed out",
		slog.String("job_id", jobID),
		slog.Duration("timeout", w.jobTimeout),
	)
}
