package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stagesBuilder returns a fixed stage list for every job.
type stagesBuilder struct {
	stages []Stage
	err    error
}

func (b *stagesBuilder) Build(job *Job, reporter Reporter) ([]Stage, error) {
	return b.stages, b.err
}

func TestRunner_Run(t *testing.T) {
	t.Run("successful pipeline reaches completed with full output", func(t *testing.T) {
		store := newMemStore(&Job{JobID: "j1", Kind: JobKindUpscale, Status: JobStatusProcessing})
		builder := &stagesBuilder{stages: []Stage{
			passStage("upscale", map[string]any{"image_url": "u"}),
		}}

		r := NewRunner(store, builder, time.Millisecond, testLogger())
		err := r.Run(context.Background(), &Job{JobID: "j1", Kind: JobKindUpscale})

		require.NoError(t, err)

		job := store.snapshot("j1")
		assert.Equal(t, JobStatusCompleted, job.Status)
		assert.Equal(t, 100, job.Progress)
		require.NotNil(t, job.CompletedAt)
		require.NotNil(t, job.StartedAt)
		require.Contains(t, job.Output, "upscale")
	})

	t.Run("stage failure reaches failed with the stage attributed", func(t *testing.T) {
		store := newMemStore(&Job{JobID: "j1", Kind: JobKindFaceSwap, Status: JobStatusProcessing})
		builder := &stagesBuilder{stages: []Stage{
			passStage("extract", map[string]any{"frames": []any{"f1"}}),
			{
				Name: "synthesize", Weight: 1.0,
				Run: func(ctx context.Context, in StageInput, rep Reporter, progress func(int)) (map[string]any, error) {
					return nil, &ProviderJobFailedError{Provider: "fal", ExternalID: "x", Reason: "oom"}
				},
			},
		}}

		r := NewRunner(store, builder, time.Millisecond, testLogger())
		err := r.Run(context.Background(), &Job{JobID: "j1", Kind: JobKindFaceSwap})

		require.Error(t, err)

		job := store.snapshot("j1")
		assert.Equal(t, JobStatusFailed, job.Status)
		assert.Equal(t, "synthesize", job.FailedStage)
		assert.Equal(t, "the generation provider failed while processing this job", job.ErrorMessage)
		require.NotNil(t, job.CompletedAt)

		// The completed stage's output is retained for a later resumed retry.
		require.Contains(t, job.Output, "extract")
		assert.NotContains(t, job.Output, "synthesize")
	})

	t.Run("terminal state freezes later writes", func(t *testing.T) {
		store := newMemStore(&Job{JobID: "j1", Kind: JobKindUpscale, Status: JobStatusProcessing})
		builder := &stagesBuilder{stages: []Stage{
			passStage("upscale", map[string]any{}),
		}}

		r := NewRunner(store, builder, time.Millisecond, testLogger())
		require.NoError(t, r.Run(context.Background(), &Job{JobID: "j1", Kind: JobKindUpscale}))

		before := store.snapshot("j1")
		bad := 10
		processing := JobStatusProcessing
		require.NoError(t, store.Update(context.Background(), "j1", JobUpdate{
			Status:   &processing,
			Progress: &bad,
		}))

		after := store.snapshot("j1")
		assert.Equal(t, before.Status, after.Status)
		assert.Equal(t, before.Progress, after.Progress)
	})

	t.Run("cancel request is observed mid-run", func(t *testing.T) {
		store := newMemStore(&Job{JobID: "j1", Kind: JobKindVideoGeneration, Status: JobStatusProcessing})
		builder := &stagesBuilder{stages: []Stage{
			{
				Name: "generate", Weight: 1.0,
				Run: func(ctx context.Context, in StageInput, rep Reporter, progress func(int)) (map[string]any, error) {
					store.setCancel("j1")
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(5 * time.Second):
						return map[string]any{}, nil
					}
				},
			},
		}}

		r := NewRunner(store, builder, time.Millisecond, testLogger())
		err := r.Run(context.Background(), &Job{JobID: "j1", Kind: JobKindVideoGeneration})

		require.ErrorIs(t, err, ErrJobCancelled)

		job := store.snapshot("j1")
		assert.Equal(t, JobStatusCancelled, job.Status)
		require.NotNil(t, job.CompletedAt)
	})

	t.Run("shutdown interruption leaves the job non-terminal", func(t *testing.T) {
		store := newMemStore(&Job{JobID: "j1", Kind: JobKindVideoGeneration, Status: JobStatusProcessing})
		ctx, cancel := context.WithCancel(context.Background())
		builder := &stagesBuilder{stages: []Stage{
			{
				Name: "generate", Weight: 1.0,
				Run: func(ctx context.Context, in StageInput, rep Reporter, progress func(int)) (map[string]any, error) {
					cancel()
					<-ctx.Done()
					return nil, ctx.Err()
				},
			},
		}}

		r := NewRunner(store, builder, time.Hour, testLogger())
		err := r.Run(ctx, &Job{JobID: "j1", Kind: JobKindVideoGeneration})

		require.ErrorIs(t, err, context.Canceled)

		job := store.snapshot("j1")
		assert.Equal(t, JobStatusProcessing, job.Status)
		assert.Nil(t, job.CompletedAt)
	})

	t.Run("pipeline build failure fails the job", func(t *testing.T) {
		store := newMemStore(&Job{JobID: "j1", Kind: "mystery", Status: JobStatusProcessing})
		builder := &stagesBuilder{err: assert.AnError}

		r := NewRunner(store, builder, time.Millisecond, testLogger())
		err := r.Run(context.Background(), &Job{JobID: "j1", Kind: "mystery"})

		require.Error(t, err)
		assert.Equal(t, JobStatusFailed, store.snapshot("j1").Status)
	})
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "provider rejection names the provider",
			err:  &ProviderRejectedError{Provider: "fal", StatusCode: 422, Reason: "bad payload"},
			want: "provider fal rejected the request: bad payload",
		},
		{
			name: "safety block gets a dedicated message",
			err:  &ProviderJobFailedError{SafetyBlocked: true, Reason: "nsfw"},
			want: "generation was blocked by the provider's content safety filter",
		},
		{
			name: "provider job failure is generic",
			err:  &ProviderJobFailedError{Reason: "oom"},
			want: "the generation provider failed while processing this job",
		},
		{
			name: "network error marks the job retryable",
			err:  NewNetworkError("status", assert.AnError),
			want: "a network error prevented the job from completing; it can be retried",
		},
		{
			name: "stage wrapping is looked through",
			err:  &StageError{Stage: "synthesize", Err: &ProviderJobFailedError{Reason: "oom"}},
			want: "the generation provider failed while processing this job",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeError(tt.err))
		})
	}
}
