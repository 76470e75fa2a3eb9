package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// StageInput is what a stage runs against: the job's original input plus the
// fully materialized outputs of every prior stage, keyed by stage name.
type StageInput struct {
	JobInput map[string]any
	Prior    map[string]map[string]any
}

// StageFunc performs one stage's work and returns its output payload.
// Implementations report sub-progress on a 0-100 scale through progress; the
// sequencer maps it onto the stage's share of overall job progress.
type StageFunc func(ctx context.Context, in StageInput, reporter Reporter, progress func(percent int)) (map[string]any, error)

// Stage is one step of a pipeline. Weight is the fraction of overall job
// progress this stage represents; weights across a pipeline should sum to 1
// (the sequencer normalizes if they don't). A Skippable stage that fails with
// a safety-filter rejection is recorded as skipped and its Fallback (if any)
// runs in its place instead of aborting the whole job.
type Stage struct {
	Name      string
	Weight    float64
	Skippable bool
	Run       StageFunc
	Fallback  StageFunc
}

// Sequencer chains heterogeneous asynchronous stages into one logical job,
// forwarding each stage's output to the next and folding per-stage progress
// into a single 0-100 job progress figure.
type Sequencer struct {
	stages   []Stage
	reporter Reporter
	logger   *slog.Logger
}

// NewSequencer builds a sequencer over the given ordered stages.
func NewSequencer(stages []Stage, reporter Reporter, logger *slog.Logger) *Sequencer {
	return &Sequencer{
		stages:   stages,
		reporter: reporter,
		logger:   logger,
	}
}

// Run executes every stage strictly in order. The returned output maps stage
// names to their output payloads; for a skipped stage the payload is the skip
// marker {skipped: true, reason}. On a non-skippable failure the remaining
// stages never run; the completed stages' outputs come back alongside the
// error so callers can persist them, and they are echoed into the job log.
func (s *Sequencer) Run(ctx context.Context, jobInput map[string]any) (map[string]any, error) {
	totalWeight := 0.0
	for _, stage := range s.stages {
		totalWeight += stage.Weight
	}
	if totalWeight <= 0 {
		return nil, fmt.Errorf("pipeline has no weighted stages")
	}

	outputs := make(map[string]map[string]any, len(s.stages))
	completedWeight := 0.0
	degraded := false
	degradedReason := ""

	for i, stage := range s.stages {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pipeline stopped before stage %s: %w", stage.Name, err)
		}

		s.logger.Info("Starting pipeline stage",
			slog.String("stage", stage.Name),
			slog.Int("index", i),
			slog.Float64("weight", stage.Weight),
		)
		s.reporter.AppendLog(fmt.Sprintf("stage %s started", stage.Name))

		stageShare := stage.Weight / totalWeight
		base := completedWeight / totalWeight
		progress := func(percent int) {
			if percent < 0 {
				percent = 0
			}
			if percent > 100 {
				percent = 100
			}
			s.reporter.UpdateProgress(int(base*100 + stageShare*float64(percent)))
		}
		progress(0)

		in := StageInput{JobInput: jobInput, Prior: outputs}
		out, err := stage.Run(ctx, in, s.reporter, progress)
		if err != nil {
			if stage.Skippable && IsSafetyBlocked(err) {
				degraded = true
				degradedReason = err.Error()
				out, err = s.degrade(ctx, stage, in, err)
				if err != nil {
					return nil, &StageError{Stage: stage.Name, Err: fmt.Errorf("fallback: %w", err)}
				}
			} else {
				s.reporter.AppendLog(fmt.Sprintf("stage %s failed: %s", stage.Name, err.Error()))
				s.logPartialOutputs(outputs)
				return materialize(outputs), &StageError{Stage: stage.Name, Err: err}
			}
		}

		outputs[stage.Name] = out
		completedWeight += stage.Weight
		progress(100)
		s.reporter.AppendLog(fmt.Sprintf("stage %s completed", stage.Name))
	}

	result := materialize(outputs)
	// Degraded completion is still completion; the marker is the caller's
	// signal that a generative stage fell back to the basic path.
	if degraded {
		result["skipped"] = true
		result["reason"] = degradedReason
	}
	return result, nil
}

// degrade handles a safety-blocked skippable stage: record the skip marker,
// run the fallback path if one is declared, and keep the pipeline alive.
func (s *Sequencer) degrade(ctx context.Context, stage Stage, in StageInput, cause error) (map[string]any, error) {
	s.logger.Warn("Stage blocked by safety filter, degrading",
		slog.String("stage", stage.Name),
		slog.String("error", cause.Error()),
	)
	s.reporter.AppendLog(fmt.Sprintf("stage %s blocked by safety filter, using fallback: %s", stage.Name, cause.Error()))

	out := map[string]any{
		"skipped": true,
		"reason":  cause.Error(),
	}

	if stage.Fallback != nil {
		fallbackOut, err := stage.Fallback(ctx, in, s.reporter, func(int) {})
		if err != nil {
			return nil, err
		}
		for k, v := range fallbackOut {
			if k != "skipped" && k != "reason" {
				out[k] = v
			}
		}
	}

	return out, nil
}

// maxPartialOutputLogBytes bounds one partial-output log line so a frame list
// cannot blow past the job log cap on its own.
const maxPartialOutputLogBytes = 512

// logPartialOutputs preserves completed-stage outputs in the job log for
// diagnostics; they are not usable output once the job fails.
func (s *Sequencer) logPartialOutputs(outputs map[string]map[string]any) {
	for name, out := range outputs {
		data, err := json.Marshal(out)
		if err != nil {
			s.reporter.AppendLog(fmt.Sprintf("partial output from stage %s not serializable: %s", name, err.Error()))
			continue
		}
		payload := string(data)
		if len(payload) > maxPartialOutputLogBytes {
			payload = payload[:maxPartialOutputLogBytes] + "...(truncated)"
		}
		s.reporter.AppendLog(fmt.Sprintf("partial output from stage %s: %s", name, payload))
	}
}

// materialize flattens the per-stage outputs into the job output shape.
func materialize(outputs map[string]map[string]any) map[string]any {
	result := make(map[string]any, len(outputs)+2)
	for name, out := range outputs {
		result[name] = out
	}
	return result
}
