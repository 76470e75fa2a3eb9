package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/duropiri/novai-sub002/internal/api/domain"
	"github.com/duropiri/novai-sub002/internal/api/dto"
	"github.com/duropiri/novai-sub002/internal/api/model"
	"github.com/duropiri/novai-sub002/internal/api/storage"
	"github.com/duropiri/novai-sub002/internal/orchestrator"
	"github.com/duropiri/novai-sub002/shared/rediscache"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

var validKinds = map[string]bool{
	orchestrator.JobKindTraining:        true,
	orchestrator.JobKindImageGeneration: true,
	orchestrator.JobKindVideoGeneration: true,
	orchestrator.JobKindUpscale:         true,
	orchestrator.JobKindFaceSwap:        true,
}

// CreateJob handles POST /api/v1/jobs
// Creates a pipeline job and dispatches it to the worker fleet.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if !validKinds[req.Kind] {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown job kind: " + req.Kind,
		})
		return
	}

	// Idempotent create: the same key returns the original job.
	existing, err := h.storage.FindByIdempotencyKey(c.Request.Context(), req.IdempotencyKey)
	if err != nil {
		h.logger.Error("Failed idempotency lookup", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}
	if existing != nil {
		c.JSON(http.StatusOK, h.toDTO(existing))
		return
	}

	inputJSON, err := json.Marshal(req.Input)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Input payload is not serializable",
		})
		return
	}

	now := time.Now().UTC()
	job := model.Job{
		JobID:          uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		Kind:           req.Kind,
		Status:         domain.JobStatusPending,
		InputPayload:   inputJSON,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := h.storage.CreateJob(c.Request.Context(), &job); err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	if err := h.dispatch(c.Request.Context(), job.JobID); err != nil {
		h.logger.Error("Failed to dispatch job",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Job created but dispatch failed; retry it later",
		})
		return
	}
	job.Status = domain.JobStatusQueued

	h.logger.Info("Job created",
		slog.String("job_id", job.JobID),
		slog.String("kind", job.Kind),
	)

	c.JSON(http.StatusCreated, h.toDTO(&job))
}

// dispatch publishes the job id to the worker queue and marks the job queued.
func (h *JobHandler) dispatch(ctx context.Context, jobID string) error {
	msg, err := json.Marshal(map[string]string{"job_id": jobID})
	if err != nil {
		return err
	}
	if err := h.rabbitClient.PublishWithRetry(ctx, msg, "application/json"); err != nil {
		return err
	}
	return h.storage.MarkQueued(ctx, jobID)
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the job's status, progress, logs, and output. For hot progress
// polling the redis snapshot is consulted first; Postgres is authoritative.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	out := h.toDTO(job)

	// A live run's freshest progress may only have hit the cache yet.
	if h.cache != nil && job.Status == domain.JobStatusProcessing {
		if snap, err := h.cache.GetSnapshot(c.Request.Context(), jobID); err == nil {
			if snap.Progress > out.Progress {
				out.Progress = snap.Progress
			}
			if snap.ExternalStatus != "" {
				out.ExternalStatus = snap.ExternalStatus
			}
			if len(snap.Logs) > len(out.Logs) {
				out.Logs = snap.Logs
			}
		}
	}

	c.JSON(http.StatusOK, out)
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and cursor pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.JobFilter{
		Kind:     req.Kind,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = h.toDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		cursorObj := storage.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		}
		nextCursor, err = EncodeJobCursor(&cursorObj)
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Pending and queued jobs cancel immediately; a processing job is flagged and
// its runner stops within one poll interval.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	status, err := h.storage.RequestCancel(c.Request.Context(), jobID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	case errors.Is(err, domain.ErrJobTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Job already reached a terminal state",
			"status": status,
		})
		return
	case err != nil:
		h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
		return
	}

	h.logger.Info("Job cancellation requested",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)

	if status == domain.JobStatusCancelled {
		c.JSON(http.StatusOK, gin.H{
			"job_id": jobID,
			"status": status,
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":           jobID,
		"status":           status,
		"cancel_requested": true,
	})
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Clones a failed or stuck job's original input into a fresh job run. With
// from_failed_stage the new run resumes at the stage the old one failed in.
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	var req dto.RetryJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
	}

	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retry job",
		})
		return
	}

	if job.Status != domain.JobStatusFailed && !h.isStuck(job) {
		c.JSON(http.StatusConflict, gin.H{
			"error": domain.ErrJobNotRetryable.Error(),
		})
		return
	}

	var input map[string]any
	if err := json.Unmarshal(job.InputPayload, &input); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Job input payload is corrupt",
		})
		return
	}
	delete(input, "start_stage")
	delete(input, "prior_outputs")
	if req.FromFailedStage && job.FailedStage != "" {
		input["start_stage"] = job.FailedStage
		// The failed run's completed-stage outputs let the pipeline replay
		// the prefix instead of redoing it.
		if len(job.OutputPayload) > 0 {
			var retained map[string]any
			if err := json.Unmarshal(job.OutputPayload, &retained); err == nil && len(retained) > 0 {
				input["prior_outputs"] = retained
			}
		}
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retry job",
		})
		return
	}

	now := time.Now().UTC()
	retry := model.Job{
		JobID:          uuid.New().String(),
		IdempotencyKey: uuid.New().String(),
		Kind:           job.Kind,
		Status:         domain.JobStatusPending,
		InputPayload:   inputJSON,
		RetryOf:        job.JobID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := h.storage.CreateJob(c.Request.Context(), &retry); err != nil {
		h.logger.Error("Failed to create retry job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retry job",
		})
		return
	}

	if err := h.dispatch(c.Request.Context(), retry.JobID); err != nil {
		h.logger.Error("Failed to dispatch retry job",
			slog.String("job_id", retry.JobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Retry job created but dispatch failed",
		})
		return
	}
	retry.Status = domain.JobStatusQueued

	h.logger.Info("Job retried",
		slog.String("job_id", jobID),
		slog.String("retry_job_id", retry.JobID),
		slog.Bool("from_failed_stage", req.FromFailedStage),
	)

	c.JSON(http.StatusCreated, h.toDTO(&retry))
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Removes a terminal job record and its cached snapshot.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := h.storage.DeleteJob(c.Request.Context(), jobID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	case errors.Is(err, domain.ErrJobNotTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Only completed, failed, or cancelled jobs can be deleted",
		})
		return
	case err != nil:
		h.logger.Error("Failed to delete job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete job",
		})
		return
	}

	if h.cache != nil {
		if err := h.cache.DeleteSnapshot(c.Request.Context(), jobID); err != nil && !errors.Is(err, rediscache.ErrSnapshotMiss) {
			h.logger.Warn("Failed to drop cached snapshot",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.Status(http.StatusNoContent)
}

// isStuck reports whether a nominally processing job has exceeded the stuck
// threshold since it started, making it retryable/cancellable.
func (h *JobHandler) isStuck(job *model.Job) bool {
	return job.Status == domain.JobStatusProcessing &&
		job.StartedAt != nil &&
		time.Since(*job.StartedAt) > h.stuckThreshold
}

func (h *JobHandler) toDTO(job *model.Job) dto.JobDTO {
	out := dto.JobDTO{
		JobID:          job.JobID,
		Kind:           job.Kind,
		Status:         job.Status,
		Progress:       job.Progress,
		ExternalStatus: job.ExternalStatus,
		ErrorMessage:   job.ErrorMessage,
		FailedStage:    job.FailedStage,
		Logs:           append([]string{}, job.Logs...),
		RetryOf:        job.RetryOf,
		Stuck:          h.isStuck(job),
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.Format(time.RFC3339),
	}

	if job.StartedAt != nil {
		out.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		out.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	if len(job.OutputPayload) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(job.OutputPayload, &payload); err == nil {
			out.OutputPayload = payload
		}
	}

	return out
}
