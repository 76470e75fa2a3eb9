// Package provider implements the generation-provider boundary: queue-style
// HTTP APIs exposing submit/status/result for asynchronous media generation.
// All failure classification happens here, at the boundary where the error
// originates, by inspecting HTTP status codes and structured error codes.
// Nothing downstream ever matches on error message text.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/duropiri/novai-sub002/internal/orchestrator"
)

// Safety-filter error codes reported by generation backends on a FAILED job.
var safetyErrorCodes = map[string]bool{
	"content_policy_violation": true,
	"nsfw_content_detected":    true,
	"safety_checker_triggered": true,
}

// Config holds one provider integration's connection settings.
type Config struct {
	Name           string
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// HTTPProvider talks to a queue-style generation API:
//
//	POST {base}/{kind}                 -> {"request_id": ...}
//	GET  {base}/requests/{id}/status   -> {"status": ..., "logs": [...], "error": {...}}
//	GET  {base}/requests/{id}          -> result payload
type HTTPProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPProvider creates a provider client with a per-call timeout.
func NewHTTPProvider(cfg Config, logger *slog.Logger) *HTTPProvider {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Name returns the provider identifier used in configs and stage definitions.
func (p *HTTPProvider) Name() string {
	return p.name
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

type errorBody struct {
	Detail string `json:"detail"`
}

type statusResponse struct {
	Status string `json:"status"`
	Logs   []struct {
		Message string `json:"message"`
	} `json:"logs"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Submit enqueues work and returns the provider's opaque request id.
func (p *HTTPProvider) Submit(ctx context.Context, kind string, payload map[string]any) (orchestrator.Submission, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return orchestrator.Submission{}, fmt.Errorf("%w: %v", orchestrator.ErrInvalidPayload, err)
	}

	url := fmt.Sprintf("%s/%s", p.baseURL, kind)
	data, err := p.do(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return orchestrator.Submission{}, err
	}

	var resp submitResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return orchestrator.Submission{}, fmt.Errorf("decoding submit response from %s: %w", p.name, err)
	}
	if resp.RequestID == "" {
		return orchestrator.Submission{}, &orchestrator.ProviderRejectedError{
			Provider: p.name,
			Reason:   "submit response missing request_id",
		}
	}

	p.logger.Info("Submitted job to provider",
		slog.String("provider", p.name),
		slog.String("kind", kind),
		slog.String("external_job_id", resp.RequestID),
	)

	return orchestrator.Submission{ExternalJobID: resp.RequestID}, nil
}

// Status checks a submitted job, normalizing the provider's state string and
// flagging safety-filter failures from the structured error code.
func (p *HTTPProvider) Status(ctx context.Context, externalJobID string) (orchestrator.StatusSnapshot, error) {
	url := fmt.Sprintf("%s/requests/%s/status", p.baseURL, externalJobID)
	data, err := p.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return orchestrator.StatusSnapshot{}, err
	}

	var resp statusResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return orchestrator.StatusSnapshot{}, fmt.Errorf("decoding status response from %s: %w", p.name, err)
	}

	snapshot := orchestrator.StatusSnapshot{
		Status: normalizeStatus(resp.Status),
	}
	for _, l := range resp.Logs {
		snapshot.Logs = append(snapshot.Logs, l.Message)
	}
	if resp.Error != nil {
		snapshot.Detail = resp.Error.Message
		snapshot.SafetyBlocked = safetyErrorCodes[resp.Error.Code]
	}

	return snapshot, nil
}

// Result fetches the final output of a completed job.
func (p *HTTPProvider) Result(ctx context.Context, externalJobID string) (map[string]any, error) {
	url := fmt.Sprintf("%s/requests/%s", p.baseURL, externalJobID)
	data, err := p.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decoding result from %s: %w", p.name, err)
	}
	return result, nil
}

// do executes one HTTP call, classifying failures into the orchestrator's
// typed errors: transport failures and 5xx are retryable NetworkErrors, 4xx
// is a terminal ProviderRejectedError.
func (p *HTTPProvider) do(ctx context.Context, method, url string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building request to %s: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Key "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, orchestrator.NewNetworkError(fmt.Sprintf("%s %s", method, p.name), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, orchestrator.NewNetworkError(fmt.Sprintf("reading response from %s", p.name), err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var eb errorBody
		reason := http.StatusText(resp.StatusCode)
		if json.Unmarshal(data, &eb) == nil && eb.Detail != "" {
			reason = eb.Detail
		}
		return nil, &orchestrator.ProviderRejectedError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Reason:     reason,
		}

	default:
		return nil, orchestrator.NewNetworkError(
			fmt.Sprintf("%s %s", method, p.name),
			fmt.Errorf("server error: status %d", resp.StatusCode),
		)
	}
}

// normalizeStatus maps provider state strings onto the four normalized states.
func normalizeStatus(s string) orchestrator.ExternalStatus {
	switch s {
	case "IN_QUEUE", "QUEUED", "PENDING":
		return orchestrator.StatusInQueue
	case "IN_PROGRESS", "PROCESSING", "RUNNING", "STARTED":
		return orchestrator.StatusInProgress
	case "COMPLETED", "OK", "FINISHED", "SUCCEEDED":
		return orchestrator.StatusCompleted
	case "FAILED", "ERROR", "CANCELLED":
		return orchestrator.StatusFailed
	default:
		return orchestrator.StatusInQueue
	}
}
