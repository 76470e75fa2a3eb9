package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duropiri/novai-sub002/internal/config"
	"github.com/duropiri/novai-sub002/internal/orchestrator"
	"github.com/duropiri/novai-sub002/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// collectReporter is an in-memory orchestrator.Reporter for tests.
type collectReporter struct {
	mu       sync.Mutex
	progress int
	logs     []string
	external string
}

func (r *collectReporter) UpdateProgress(percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if percent > r.progress {
		r.progress = percent
	}
}

func (r *collectReporter) AppendLog(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, line)
}

func (r *collectReporter) SetExternalStatus(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.external = label
}

func (r *collectReporter) logText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.logs, "\n")
}

// fakeProvider scripts submit/status/result responses per operation kind.
type fakeProvider struct {
	mu       sync.Mutex
	submits  map[string]int
	payloads map[string]map[string]any
	results  map[string]map[string]any
	failures map[string]orchestrator.StatusSnapshot
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		submits:  make(map[string]int),
		payloads: make(map[string]map[string]any),
		results: map[string]map[string]any{
			"frame-extraction":  {"frames": []any{"f1", "f2", "f3"}},
			"face-analysis":     {"bbox": []any{0, 0, 64, 64}},
			"face-regeneration": {"frames": []any{"r1", "r2", "r3"}},
			"face-swap-basic":   {"frames": []any{"b1", "b2", "b3"}},
			"video-synthesis":   {"video_url": "https://cdn.example.com/out.mp4"},
			"upscale":           {"video_url": "https://cdn.example.com/out-4k.mp4"},
			"training":          {"model_url": "https://cdn.example.com/lora.safetensors"},
		},
		failures: make(map[string]orchestrator.StatusSnapshot),
	}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Submit(ctx context.Context, kind string, payload map[string]any) (orchestrator.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits[kind]++
	f.payloads[kind] = payload
	return orchestrator.Submission{ExternalJobID: fmt.Sprintf("%s-%d", kind, f.submits[kind])}, nil
}

func (f *fakeProvider) Status(ctx context.Context, externalJobID string) (orchestrator.StatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kind := externalJobID[:strings.LastIndex(externalJobID, "-")]
	if snap, ok := f.failures[kind]; ok {
		return snap, nil
	}
	return orchestrator.StatusSnapshot{Status: orchestrator.StatusCompleted}, nil
}

func (f *fakeProvider) Result(ctx context.Context, externalJobID string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kind := externalJobID[:strings.LastIndex(externalJobID, "-")]
	out, ok := f.results[kind]
	if !ok {
		return map[string]any{}, nil
	}
	return out, nil
}

func (f *fakeProvider) submitCount(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[kind]
}

func (f *fakeProvider) lastPayload(kind string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[kind]
}

func (f *fakeProvider) failKind(kind string, snap orchestrator.StatusSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[kind] = snap
}

func testPipelineConfig() *config.PipelineConfig {
	fast := func(kind string) config.StageTuning {
		return config.StageTuning{
			Provider:        "fake",
			Kind:            kind,
			PollInterval:    time.Millisecond,
			PollMaxAttempts: 5,
			RetryAttempts:   1,
			RetryBaseDelay:  time.Millisecond,
		}
	}
	return &config.PipelineConfig{
		AnalyzeBatchSize: 2,
		Stages: map[string]config.StageTuning{
			StageExtract:       fast("frame-extraction"),
			StageAnalyze:       fast("face-analysis"),
			StageRegenerate:    fast("face-regeneration"),
			StageBasicSwap:     fast("face-swap-basic"),
			StageSynthesize:    fast("video-synthesis"),
			StageUpscale:       fast("upscale"),
			"training":         fast("training"),
			"image_generation": fast("image-generation"),
			"video_generation": fast("video-generation"),
		},
	}
}

func newTestBuilder(fake *fakeProvider) *Builder {
	registry := provider.NewRegistryWith(fake)
	return NewBuilder(registry, testPipelineConfig(), nil, testLogger())
}

func faceSwapJob(extra map[string]any) *orchestrator.Job {
	input := map[string]any{
		"source_video_url": "https://cdn.example.com/src.mp4",
		"identity":         map[string]any{"reference_url": "https://cdn.example.com/face.jpg"},
	}
	for k, v := range extra {
		input[k] = v
	}
	return &orchestrator.Job{JobID: "j1", Kind: orchestrator.JobKindFaceSwap, Input: input}
}

func TestBuilder_Build(t *testing.T) {
	fake := newFakeProvider()
	b := newTestBuilder(fake)
	reporter := &collectReporter{}

	t.Run("face swap builds four stages", func(t *testing.T) {
		stages, err := b.Build(faceSwapJob(nil), reporter)
		require.NoError(t, err)
		require.Len(t, stages, 4)
		assert.Equal(t, StageExtract, stages[0].Name)
		assert.Equal(t, StageAnalyze, stages[1].Name)
		assert.Equal(t, StageRegenerate, stages[2].Name)
		assert.Equal(t, StageSynthesize, stages[3].Name)
		assert.True(t, stages[2].Skippable)
	})

	t.Run("upscale flag appends a fifth stage", func(t *testing.T) {
		stages, err := b.Build(faceSwapJob(map[string]any{"upscale": true}), reporter)
		require.NoError(t, err)
		require.Len(t, stages, 5)
		assert.Equal(t, StageUpscale, stages[4].Name)
	})

	t.Run("single-stage kinds build one stage", func(t *testing.T) {
		for _, kind := range []string{
			orchestrator.JobKindTraining,
			orchestrator.JobKindImageGeneration,
			orchestrator.JobKindVideoGeneration,
			orchestrator.JobKindUpscale,
		} {
			stages, err := b.Build(&orchestrator.Job{JobID: "j", Kind: kind, Input: map[string]any{}}, reporter)
			require.NoError(t, err, kind)
			assert.Len(t, stages, 1, kind)
		}
	})

	t.Run("unknown kind is rejected", func(t *testing.T) {
		_, err := b.Build(&orchestrator.Job{JobID: "j", Kind: "telepathy"}, reporter)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown job kind")
	})

	t.Run("missing source video is rejected", func(t *testing.T) {
		job := faceSwapJob(nil)
		delete(job.Input, "source_video_url")
		_, err := b.Build(job, reporter)
		require.ErrorIs(t, err, orchestrator.ErrInvalidPayload)
	})

	t.Run("missing identity is rejected", func(t *testing.T) {
		job := faceSwapJob(nil)
		delete(job.Input, "identity")
		_, err := b.Build(job, reporter)
		require.ErrorIs(t, err, orchestrator.ErrInvalidPayload)
	})

	t.Run("start_stage replays retained outputs for the dropped prefix", func(t *testing.T) {
		stages, err := b.Build(faceSwapJob(map[string]any{
			"start_stage": StageRegenerate,
			"prior_outputs": map[string]any{
				StageExtract: map[string]any{"frames": []any{"f1"}},
				StageAnalyze: map[string]any{"faces": []any{"a1"}},
			},
		}), reporter)
		require.NoError(t, err)
		require.Len(t, stages, 4)
		assert.Equal(t, StageExtract, stages[0].Name)
		assert.Equal(t, StageAnalyze, stages[1].Name)
		assert.Equal(t, StageRegenerate, stages[2].Name)
		assert.Equal(t, StageSynthesize, stages[3].Name)

		// Replayed stages carry no progress weight
		assert.Zero(t, stages[0].Weight)
		assert.Zero(t, stages[1].Weight)
		assert.NotZero(t, stages[2].Weight)
	})

	t.Run("start_stage without retained outputs is rejected", func(t *testing.T) {
		_, err := b.Build(faceSwapJob(map[string]any{"start_stage": StageRegenerate}), reporter)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no retained output")
	})

	t.Run("unknown start_stage is rejected", func(t *testing.T) {
		_, err := b.Build(faceSwapJob(map[string]any{"start_stage": "polish"}), reporter)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not part of this pipeline")
	})
}

func TestFaceSwapPipeline_Run(t *testing.T) {
	t.Run("full pipeline completes and chains stage outputs", func(t *testing.T) {
		fake := newFakeProvider()
		b := newTestBuilder(fake)
		reporter := &collectReporter{}

		job := faceSwapJob(nil)
		stages, err := b.Build(job, reporter)
		require.NoError(t, err)

		seq := orchestrator.NewSequencer(stages, reporter, testLogger())
		out, err := seq.Run(context.Background(), job.Input)

		require.NoError(t, err)
		assert.NotContains(t, out, "skipped")

		synth := out[StageSynthesize].(map[string]any)
		assert.Equal(t, "https://cdn.example.com/out.mp4", synth["video_url"])

		// One analysis call per extracted frame
		assert.Equal(t, 3, fake.submitCount("face-analysis"))
		assert.Equal(t, 1, fake.submitCount("face-regeneration"))
		assert.Equal(t, 0, fake.submitCount("face-swap-basic"))
		assert.Equal(t, 100, reporter.progress)
	})

	t.Run("safety-blocked regeneration falls back to basic swap", func(t *testing.T) {
		fake := newFakeProvider()
		fake.failKind("face-regeneration", orchestrator.StatusSnapshot{
			Status:        orchestrator.StatusFailed,
			Detail:        "nsfw content detected",
			SafetyBlocked: true,
		})
		b := newTestBuilder(fake)
		reporter := &collectReporter{}

		job := faceSwapJob(nil)
		stages, err := b.Build(job, reporter)
		require.NoError(t, err)

		seq := orchestrator.NewSequencer(stages, reporter, testLogger())
		out, err := seq.Run(context.Background(), job.Input)

		require.NoError(t, err)
		assert.Equal(t, true, out["skipped"])
		assert.Equal(t, 1, fake.submitCount("face-swap-basic"))

		regen := out[StageRegenerate].(map[string]any)
		assert.Equal(t, true, regen["skipped"])
		assert.Equal(t, []any{"b1", "b2", "b3"}, regen["frames"])

		assert.Contains(t, reporter.logText(), "safety filter")
	})

	t.Run("non-safety regeneration failure fails the job at that stage", func(t *testing.T) {
		fake := newFakeProvider()
		fake.failKind("face-regeneration", orchestrator.StatusSnapshot{
			Status: orchestrator.StatusFailed,
			Detail: "worker ran out of memory",
		})
		b := newTestBuilder(fake)
		reporter := &collectReporter{}

		job := faceSwapJob(nil)
		stages, err := b.Build(job, reporter)
		require.NoError(t, err)

		seq := orchestrator.NewSequencer(stages, reporter, testLogger())
		_, err = seq.Run(context.Background(), job.Input)

		require.Error(t, err)
		stage, ok := orchestrator.FailedStage(err)
		require.True(t, ok)
		assert.Equal(t, StageRegenerate, stage)
		assert.Equal(t, 0, fake.submitCount("video-synthesis"))
	})

	t.Run("retry from the failed stage replays earlier outputs instead of redoing them", func(t *testing.T) {
		fake := newFakeProvider()
		b := newTestBuilder(fake)
		reporter := &collectReporter{}

		retainedFrames := []any{"r1", "r2", "r3"}
		job := faceSwapJob(map[string]any{
			"start_stage": StageSynthesize,
			"prior_outputs": map[string]any{
				StageExtract:    map[string]any{"frames": []any{"f1", "f2", "f3"}},
				StageAnalyze:    map[string]any{"faces": []any{"a1", "a2", "a3"}},
				StageRegenerate: map[string]any{"frames": retainedFrames},
			},
		})
		stages, err := b.Build(job, reporter)
		require.NoError(t, err)

		seq := orchestrator.NewSequencer(stages, reporter, testLogger())
		out, err := seq.Run(context.Background(), job.Input)

		require.NoError(t, err)
		assert.Contains(t, out, StageSynthesize)
		assert.Equal(t, 0, fake.submitCount("frame-extraction"))
		assert.Equal(t, 0, fake.submitCount("face-analysis"))
		assert.Equal(t, 0, fake.submitCount("face-regeneration"))

		// Synthesis consumed the retained regeneration frames
		assert.Equal(t, 1, fake.submitCount("video-synthesis"))
		assert.Equal(t, retainedFrames, fake.lastPayload("video-synthesis")["frames"])
		assert.Equal(t, 100, reporter.progress)
	})

	t.Run("retry from analyze fans out over the retained frames", func(t *testing.T) {
		fake := newFakeProvider()
		b := newTestBuilder(fake)
		reporter := &collectReporter{}

		job := faceSwapJob(map[string]any{
			"start_stage": StageAnalyze,
			"prior_outputs": map[string]any{
				StageExtract: map[string]any{"frames": []any{"f1", "f2", "f3"}},
			},
		})
		stages, err := b.Build(job, reporter)
		require.NoError(t, err)

		seq := orchestrator.NewSequencer(stages, reporter, testLogger())
		out, err := seq.Run(context.Background(), job.Input)

		require.NoError(t, err)
		assert.Equal(t, 0, fake.submitCount("frame-extraction"))
		assert.Equal(t, 3, fake.submitCount("face-analysis"))
		assert.Contains(t, out, StageSynthesize)
		assert.Contains(t, reporter.logText(), "replayed from the previous run")
	})
}
