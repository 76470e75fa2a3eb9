// Package pipeline defines the concrete media-generation pipelines per job
// kind. Every stage drives one external provider call sequence to completion
// through the orchestrator primitives: submit wrapped in the retry executor,
// then the bounded poll loop.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/duropiri/novai-sub002/internal/config"
	"github.com/duropiri/novai-sub002/internal/orchestrator"
	"github.com/duropiri/novai-sub002/internal/provider"
)

// ArtifactStore persists result manifests and hands out presigned URLs.
// Satisfied by shared/objectstore.Client.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PresignedURL(ctx context.Context, key string) (string, error)
}

// Builder assembles the stage list for a job kind. One builder serves all
// jobs; per-job state lives in the stages' closures.
type Builder struct {
	registry  *provider.Registry
	cfg       *config.PipelineConfig
	artifacts ArtifactStore
	logger    *slog.Logger
}

// NewBuilder creates a pipeline builder.
func NewBuilder(registry *provider.Registry, cfg *config.PipelineConfig, artifacts ArtifactStore, logger *slog.Logger) *Builder {
	return &Builder{
		registry:  registry,
		cfg:       cfg,
		artifacts: artifacts,
		logger:    logger,
	}
}

// Build returns the ordered stages for the job's kind. When the job input
// carries a start_stage (set by stage-level retry), stages before it are
// replaced by zero-weight replays of the failed run's retained outputs, so
// later stages still see their inputs and the remaining weights renormalize
// over the work actually being redone.
func (b *Builder) Build(job *orchestrator.Job, reporter orchestrator.Reporter) ([]orchestrator.Stage, error) {
	var stages []orchestrator.Stage
	var err error

	switch job.Kind {
	case orchestrator.JobKindFaceSwap:
		stages, err = b.faceSwapStages(job)
	case orchestrator.JobKindTraining:
		stages, err = b.singleStage(job, "training", orchestrator.StepProgress)
	case orchestrator.JobKindImageGeneration:
		stages, err = b.singleStage(job, "image_generation", orchestrator.StepProgress)
	case orchestrator.JobKindVideoGeneration:
		stages, err = b.singleStage(job, "video_generation", nil)
	case orchestrator.JobKindUpscale:
		stages, err = b.singleStage(job, "upscale", nil)
	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}
	if err != nil {
		return nil, err
	}

	if start, ok := job.Input["start_stage"].(string); ok && start != "" {
		stages, err = resumeStages(stages, start, priorOutputs(job.Input))
		if err != nil {
			return nil, err
		}
	}

	return stages, nil
}

// resumeStages rebuilds the stage list for retry-from-failed-stage: every
// stage preceding name becomes a replay of its retained output, so the rerun
// only pays for the failed stage onward. A missing retained output means the
// run cannot be reconstructed and the retry is rejected up front.
func resumeStages(stages []orchestrator.Stage, name string, prior map[string]map[string]any) ([]orchestrator.Stage, error) {
	idx := -1
	for i, st := range stages {
		if st.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("start_stage %q is not part of this pipeline", name)
	}

	resumed := make([]orchestrator.Stage, 0, len(stages))
	for _, st := range stages[:idx] {
		out, ok := prior[st.Name]
		if !ok {
			return nil, fmt.Errorf("cannot resume at %q: no retained output for stage %q", name, st.Name)
		}
		resumed = append(resumed, replayStage(st.Name, out))
	}
	return append(resumed, stages[idx:]...), nil
}

// replayStage re-materializes a completed stage's output without provider
// calls. Zero weight keeps it out of the progress math.
func replayStage(name string, out map[string]any) orchestrator.Stage {
	return orchestrator.Stage{
		Name:   name,
		Weight: 0,
		Run: func(ctx context.Context, in orchestrator.StageInput, reporter orchestrator.Reporter, progress func(int)) (map[string]any, error) {
			reporter.AppendLog(fmt.Sprintf("stage %s replayed from the previous run", name))
			return out, nil
		},
	}
}

// priorOutputs extracts the failed run's retained per-stage outputs from the
// retry input, tolerating the JSON round trip through the job record.
func priorOutputs(input map[string]any) map[string]map[string]any {
	raw, ok := input["prior_outputs"].(map[string]any)
	if !ok {
		return nil
	}
	prior := make(map[string]map[string]any, len(raw))
	for name, v := range raw {
		if out, ok := v.(map[string]any); ok {
			prior[name] = out
		}
	}
	return prior
}

// singleStage wraps one provider interaction as a whole pipeline.
func (b *Builder) singleStage(job *orchestrator.Job, stageName string, extract orchestrator.ProgressExtractor) ([]orchestrator.Stage, error) {
	tuning := b.cfg.Stage(stageName)
	if _, err := b.registry.Get(tuning.Provider); err != nil {
		return nil, err
	}

	return []orchestrator.Stage{
		{
			Name:   stageName,
			Weight: 1.0,
			Run: func(ctx context.Context, in orchestrator.StageInput, reporter orchestrator.Reporter, progress func(int)) (map[string]any, error) {
				return b.runProviderCall(ctx, stageName, tuning, in.JobInput, reporter, progress, extract)
			},
		},
	}, nil
}

// runProviderCall is the shared submit+poll sequence behind every stage:
// submission goes through the retry executor so transient network failures
// are absorbed, then the poll loop waits the job out.
func (b *Builder) runProviderCall(
	ctx context.Context,
	stageName string,
	tuning config.StageTuning,
	payload map[string]any,
	reporter orchestrator.Reporter,
	progress func(int),
	extract orchestrator.ProgressExtractor,
) (map[string]any, error) {
	prov, err := b.registry.Get(tuning.Provider)
	if err != nil {
		return nil, err
	}

	logger := b.logger.With(slog.String("stage", stageName), slog.String("provider", prov.Name()))

	var sub orchestrator.Submission
	retrier := orchestrator.NewRetrier(tuning.RetryAttempts, tuning.RetryBaseDelay, logger)
	err = retrier.Do(ctx, stageName+" submit", func(ctx context.Context) error {
		var submitErr error
		sub, submitErr = prov.Submit(ctx, tuning.Kind, payload)
		return submitErr
	})
	if err != nil {
		return nil, err
	}

	reporter.AppendLog(fmt.Sprintf("%s submitted to %s as %s", stageName, prov.Name(), sub.ExternalJobID))

	poller := orchestrator.NewPoller(tuning.PollInterval, tuning.PollMaxAttempts, logger)
	poller.OnProgress = func(snapshot orchestrator.StatusSnapshot) {
		reporter.SetExternalStatus(string(snapshot.Status))
	}
	if extract != nil {
		poller.ExtractProgress = extract
		poller.OnProgressPercent = progress
	}

	return poller.Wait(ctx, sub.ExternalJobID,
		func(ctx context.Context) (orchestrator.StatusSnapshot, error) {
			return prov.Status(ctx, sub.ExternalJobID)
		},
		func(ctx context.Context) (map[string]any, error) {
			return prov.Result(ctx, sub.ExternalJobID)
		},
	)
}

// archiveManifest writes the final result payload to the artifact store and
// returns a presigned URL for it. Failures here degrade to a log line; the
// provider URLs in the payload are still usable output.
func (b *Builder) archiveManifest(ctx context.Context, jobID string, result map[string]any, reporter orchestrator.Reporter) (string, bool) {
	if b.artifacts == nil {
		return "", false
	}

	data, err := json.Marshal(result)
	if err != nil {
		reporter.AppendLog("manifest archive skipped: " + err.Error())
		return "", false
	}

	key := fmt.Sprintf("jobs/%s/manifest.json", jobID)
	if err := b.artifacts.Put(ctx, key, data, "application/json"); err != nil {
		reporter.AppendLog("manifest archive failed: " + err.Error())
		return "", false
	}

	url, err := b.artifacts.PresignedURL(ctx, key)
	if err != nil {
		reporter.AppendLog("manifest url failed: " + err.Error())
		return "", false
	}
	return url, true
}
