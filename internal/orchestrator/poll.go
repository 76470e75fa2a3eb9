package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"
)

const (
	// DefaultPollInterval suits fast jobs (frame extraction, analysis)
	DefaultPollInterval = 3 * time.Second
	// DefaultPollMaxAttempts gives fast jobs a ~3 minute ceiling
	DefaultPollMaxAttempts = 60
)

// StatusFunc checks the current state of an external job.
type StatusFunc func(ctx context.Context) (StatusSnapshot, error)

// ResultFunc fetches the final output of a completed external job.
type ResultFunc func(ctx context.Context) (map[string]any, error)

// ProgressExtractor parses provider free-text log lines into a 0-100 integer.
// It returns ok=false when the text carries no recognizable progress.
type ProgressExtractor func(logs []string) (percent int, ok bool)

// Poller drives one external job to a terminal state with bounded repeated
// status checks. Interval and MaxAttempts are per-stage configuration: slow
// work (video generation) gets a longer interval and a bigger budget than
// fast work. The overall ceiling is Interval * MaxAttempts.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
	Logger      *slog.Logger

	// OnProgress, if set, is invoked with every non-terminal snapshot.
	OnProgress func(snapshot StatusSnapshot)

	// ExtractProgress, if set, is applied to snapshot logs; extracted values
	// reach OnProgressPercent.
	ExtractProgress ProgressExtractor

	// OnProgressPercent, if set, receives 0-100 values from ExtractProgress.
	OnProgressPercent func(percent int)
}

// NewPoller creates a Poller with defaults applied for zero values.
func NewPoller(interval time.Duration, maxAttempts int, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollMaxAttempts
	}
	return &Poller{
		Interval:    interval,
		MaxAttempts: maxAttempts,
		Logger:      logger,
	}
}

// Wait polls status until the external job completes, fails, or the attempt
// budget runs out. On completion the result is fetched exactly once. A
// transient network failure during a status check is logged and polling
// continues; it consumes an attempt but never terminates the job on its own.
func (p *Poller) Wait(ctx context.Context, externalJobID string, status StatusFunc, result ResultFunc) (map[string]any, error) {
	start := time.Now()

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("polling job %s aborted: %w", externalJobID, err)
		}

		snapshot, err := status(ctx)
		if err != nil {
			if Retryable(err) {
				// Transient blip mid-poll; the provider job is still running.
				p.Logger.Warn("Transient error while polling, continuing",
					slog.String("external_job_id", externalJobID),
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)
				if !p.sleep(ctx) {
					return nil, fmt.Errorf("polling job %s aborted: %w", externalJobID, ctx.Err())
				}
				continue
			}
			return nil, fmt.Errorf("status check for job %s: %w", externalJobID, err)
		}

		switch snapshot.Status {
		case StatusCompleted:
			p.Logger.Info("External job completed",
				slog.String("external_job_id", externalJobID),
				slog.Int("polls", attempt),
				slog.Duration("elapsed", time.Since(start)),
			)
			out, err := result(ctx)
			if err != nil {
				return nil, fmt.Errorf("fetching result for job %s: %w", externalJobID, err)
			}
			return out, nil

		case StatusFailed:
			return nil, fmt.Errorf("polling job %s: %w", externalJobID, &ProviderJobFailedError{
				ExternalID:    externalJobID,
				Reason:        snapshot.Detail,
				SafetyBlocked: snapshot.SafetyBlocked,
			})
		}

		if p.OnProgress != nil {
			p.OnProgress(snapshot)
		}
		if p.ExtractProgress != nil && p.OnProgressPercent != nil {
			if percent, ok := p.ExtractProgress(snapshot.Logs); ok {
				p.OnProgressPercent(percent)
			}
		}

		if attempt < p.MaxAttempts {
			if !p.sleep(ctx) {
				return nil, fmt.Errorf("polling job %s aborted: %w", externalJobID, ctx.Err())
			}
		}
	}

	return nil, &PollTimeoutError{
		ExternalID: externalJobID,
		Attempts:   p.MaxAttempts,
		Elapsed:    time.Since(start),
	}
}

// sleep waits one interval, returning false if the context ended first.
func (p *Poller) sleep(ctx context.Context) bool {
	select {
	case <-time.After(p.Interval):
		return true
	case <-ctx.Done():
		return false
	}
}

var stepProgressRe = regexp.MustCompile(`step\s+(\d+)\s*/\s*(\d+)`)

// StepProgress extracts "step N/M" sub-progress from provider log lines, as
// emitted by training and diffusion backends. The last matching line wins.
// Absent or malformed text yields ok=false.
func StepProgress(logs []string) (int, bool) {
	percent := -1
	for _, line := range logs {
		m := stepProgressRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		step, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		total, err := strconv.Atoi(m[2])
		if err != nil || total <= 0 {
			continue
		}
		p := step * 100 / total
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		percent = p
	}
	if percent < 0 {
		return 0, false
	}
	return percent, true
}
