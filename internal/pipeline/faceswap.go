package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/duropiri/novai-sub002/internal/config"
	"github.com/duropiri/novai-sub002/internal/orchestrator"
)

// Face-swap pipeline stage names. Also the keys under pipeline.stages in the
// config file and the values recorded as failed_stage / start_stage.
const (
	StageExtract    = "extract"
	StageAnalyze    = "analyze"
	StageRegenerate = "regenerate"
	StageBasicSwap  = "basic_swap"
	StageSynthesize = "synthesize"
	StageUpscale    = "upscale"
)

const defaultAnalyzeBatchSize = 5

// faceSwapStages assembles the composite pipeline: frame extraction, face and
// pose analysis, identity-conditioned regeneration, video synthesis, and
// optional upscaling. Regeneration is skippable: when the provider's safety
// filter blocks it, the pipeline falls back to the basic swap operation and
// the job completes with a degraded-output marker instead of failing.
func (b *Builder) faceSwapStages(job *orchestrator.Job) ([]orchestrator.Stage, error) {
	sourceURL, _ := job.Input["source_video_url"].(string)
	if sourceURL == "" {
		return nil, fmt.Errorf("%w: source_video_url is required", orchestrator.ErrInvalidPayload)
	}
	if _, ok := job.Input["identity"].(map[string]any); !ok {
		return nil, fmt.Errorf("%w: identity is required", orchestrator.ErrInvalidPayload)
	}

	stages := []orchestrator.Stage{
		b.extractStage(job, sourceURL),
		b.analyzeStage(job),
		b.regenerateStage(job),
		b.synthesizeStage(job),
	}
	if wantUpscale, _ := job.Input["upscale"].(bool); wantUpscale {
		stages = append(stages, b.upscaleStage(job))
	}
	return stages, nil
}

func (b *Builder) extractStage(job *orchestrator.Job, sourceURL string) orchestrator.Stage {
	tuning := b.cfg.Stage(StageExtract)
	return orchestrator.Stage{
		Name:   StageExtract,
		Weight: 0.10,
		Run: func(ctx context.Context, in orchestrator.StageInput, reporter orchestrator.Reporter, progress func(int)) (map[string]any, error) {
			payload := map[string]any{
				"video_url": sourceURL,
			}
			if fps, ok := in.JobInput["frame_rate"]; ok {
				payload["frame_rate"] = fps
			}
			return b.runProviderCall(ctx, StageExtract, tuning, payload, reporter, progress, nil)
		},
	}
}

// analyzeStage detects faces and pose per extracted frame, fanning out over
// frames with bounded concurrency and fanning back in before the next stage.
func (b *Builder) analyzeStage(job *orchestrator.Job) orchestrator.Stage {
	tuning := b.cfg.Stage(StageAnalyze)
	batchSize := b.cfg.AnalyzeBatchSize
	if batchSize <= 0 {
		batchSize = defaultAnalyzeBatchSize
	}

	return orchestrator.Stage{
		Name:   StageAnalyze,
		Weight: 0.15,
		Run: func(ctx context.Context, in orchestrator.StageInput, reporter orchestrator.Reporter, progress func(int)) (map[string]any, error) {
			frames, err := frameURLs(in.Prior[StageExtract])
			if err != nil {
				return nil, err
			}

			reporter.AppendLog(fmt.Sprintf("analyzing %d frames in batches of %d", len(frames), batchSize))

			faces := make([]any, len(frames))
			done := 0
			for start := 0; start < len(frames); start += batchSize {
				end := start + batchSize
				if end > len(frames) {
					end = len(frames)
				}

				if err := b.analyzeBatch(ctx, tuning, frames, faces, start, end, reporter); err != nil {
					return nil, err
				}

				done = end
				progress(done * 100 / len(frames))
			}

			return map[string]any{"faces": faces}, nil
		},
	}
}

// analyzeBatch runs one bounded fan-out: each frame in [start, end) gets its
// own provider call on its own goroutine, and the batch fans in before the
// next begins. The first failure cancels the rest of the batch.
func (b *Builder) analyzeBatch(
	ctx context.Context,
	tuning config.StageTuning,
	frames []string,
	faces []any,
	start, end int,
	reporter orchestrator.Reporter,
) error {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, end-start)

	for i := start; i < end; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			payload := map[string]any{"image_url": frames[idx]}
			out, err := b.runProviderCall(batchCtx, StageAnalyze, tuning, payload, reporter, func(int) {}, nil)
			if err != nil {
				errCh <- fmt.Errorf("frame %d: %w", idx, err)
				cancel()
				return
			}
			faces[idx] = out
		}(i)
	}

	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return err
	}
	return nil
}

// regenerateStage runs identity-conditioned regeneration of the analyzed
// frames. It is the one stage the provider's content-safety filter can
// reject; the fallback is the basic swap operation.
func (b *Builder) regenerateStage(job *orchestrator.Job) orchestrator.Stage {
	tuning := b.cfg.Stage(StageRegenerate)
	fallbackTuning := b.cfg.Stage(StageBasicSwap)

	buildPayload := func(in orchestrator.StageInput) map[string]any {
		return map[string]any{
			"identity": in.JobInput["identity"],
			"frames":   in.Prior[StageExtract]["frames"],
			"faces":    in.Prior[StageAnalyze]["faces"],
		}
	}

	return orchestrator.Stage{
		Name:      StageRegenerate,
		Weight:    0.35,
		Skippable: true,
		Run: func(ctx context.Context, in orchestrator.StageInput, reporter orchestrator.Reporter, progress func(int)) (map[string]any, error) {
			return b.runProviderCall(ctx, StageRegenerate, tuning, buildPayload(in), reporter, progress, orchestrator.StepProgress)
		},
		Fallback: func(ctx context.Context, in orchestrator.StageInput, reporter orchestrator.Reporter, progress func(int)) (map[string]any, error) {
			return b.runProviderCall(ctx, StageBasicSwap, fallbackTuning, buildPayload(in), reporter, progress, nil)
		},
	}
}

func (b *Builder) synthesizeStage(job *orchestrator.Job) orchestrator.Stage {
	tuning := b.cfg.Stage(StageSynthesize)
	return orchestrator.Stage{
		Name:   StageSynthesize,
		Weight: 0.30,
		Run: func(ctx context.Context, in orchestrator.StageInput, reporter orchestrator.Reporter, progress func(int)) (map[string]any, error) {
			payload := map[string]any{
				"frames": in.Prior[StageRegenerate]["frames"],
			}
			if fps, ok := in.JobInput["frame_rate"]; ok {
				payload["frame_rate"] = fps
			}

			result, err := b.runProviderCall(ctx, StageSynthesize, tuning, payload, reporter, progress, nil)
			if err != nil {
				return nil, err
			}

			if url, ok := b.archiveManifest(ctx, job.JobID, result, reporter); ok {
				result["manifest_url"] = url
			}
			return result, nil
		},
	}
}

func (b *Builder) upscaleStage(job *orchestrator.Job) orchestrator.Stage {
	tuning := b.cfg.Stage(StageUpscale)
	return orchestrator.Stage{
		Name:   StageUpscale,
		Weight: 0.10,
		Run: func(ctx context.Context, in orchestrator.StageInput, reporter orchestrator.Reporter, progress func(int)) (map[string]any, error) {
			payload := map[string]any{
				"video_url": in.Prior[StageSynthesize]["video_url"],
			}
			return b.runProviderCall(ctx, StageUpscale, tuning, payload, reporter, progress, nil)
		},
	}
}

// frameURLs pulls the extracted frame URL list out of the extract stage output.
func frameURLs(extractOut map[string]any) ([]string, error) {
	raw, ok := extractOut["frames"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("%w: extract stage produced no frames", orchestrator.ErrInvalidPayload)
	}

	frames := make([]string, 0, len(raw))
	for _, f := range raw {
		url, ok := f.(string)
		if !ok {
			return nil, fmt.Errorf("%w: frame entry is not a url", orchestrator.ErrInvalidPayload)
		}
		frames = append(frames, url)
	}
	return frames, nil
}
