// Package progress reports per-hop progress and final job status to the
// gateway over HTTP. Reporting is best-effort: the durable record of a job
// is the persisted object-storage document, so gateway failures are logged
// and swallowed.
package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Status represents the per-hop processing state of a job at one step.
type Status string

const (
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// Final job states reported to the gateway's final endpoint.
const (
	FinalSucceeded = "succeeded"
	FinalFailed    = "failed"
)

// Reporter sends progress updates to the gateway
type Reporter struct {
	gatewayURL string
	httpClient *http.Client
	actorName  string
}

// NewReporter creates a new progress reporter
func NewReporter(gatewayURL, actorName string) *Reporter {
	return &Reporter{
		gatewayURL: gatewayURL,
		actorName:  actorName,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Update represents a progress update payload
type Update struct {
	Steps          []string `json:"steps"`            // Full list of steps in the route
	CurrentStepIdx int      `json:"current_step_idx"` // Index of current step
	Status         Status   `json:"status"`           // "received" | "processing" | "completed"
	Message        string   `json:"message,omitempty"`
	DurationMs     *int64   `json:"duration_ms,omitempty"`     // Processing duration in milliseconds
	MessageSizeKB  *float64 `json:"message_size_kb,omitempty"` // Message size in KB
}

// ReportProgress sends a progress update to the gateway. Envelopes without a
// job id skip reporting. Failures are retried a few times and then dropped;
// progress is advisory.
func (r *Reporter) ReportProgress(ctx context.Context, jobID string, update Update) error {
	if jobID == "" {
		// No job id in message, skip progress reporting
		return nil
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal progress update: %w", err)
	}

	url := fmt.Sprintf("%s/jobs/%s/progress", r.gatewayURL, jobID)

	slog.Debug("Sending progress update to gateway",
		"job_id", jobID,
		"status", update.Status,
		"current_step_idx", update.CurrentStepIdx,
		"total_steps", len(update.Steps),
		"url", url)

	maxRetries := 5
	retryDelay := 200 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.httpClient.Do(req)
		if err != nil {
			slog.Warn("Failed to send progress update", "error", err, "attempt", attempt+1, "max_retries", maxRetries)
			continue
		}
		statusCode := resp.StatusCode
		_ = resp.Body.Close()

		if statusCode != http.StatusOK {
			slog.Warn("Progress update returned non-200 status", "status", statusCode, "attempt", attempt+1)
			continue
		}

		slog.Debug("Progress update sent successfully", "job_id", jobID, "status", update.Status)
		return nil
	}

	return nil
}

// FinalReport is the body POSTed to <gateway>/jobs/<job_id>/final when a
// terminal handler concludes a job.
type FinalReport struct {
	JobID     string            `json:"job_id"`
	Status    string            `json:"status"`
	Progress  *float64          `json:"progress"`
	Result    any               `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp string            `json:"timestamp"`
}

// ReportFinal posts the terminal status for a job. One attempt, 5-second
// timeout, non-retrying: persisted storage is the durable record and the
// terminal handler only reports best-effort.
func (r *Reporter) ReportFinal(ctx context.Context, report FinalReport) error {
	if report.Metadata == nil {
		report.Metadata = map[string]string{}
	}
	if report.Timestamp == "" {
		report.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal final report: %w", err)
	}

	url := fmt.Sprintf("%s/jobs/%s/final", r.gatewayURL, report.JobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send final report: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned non-success status: %d", resp.StatusCode)
	}

	slog.Info("Reported final job status to gateway", "job_id", report.JobID, "status", report.Status)
	return nil
}

// GetGatewayURL returns the configured gateway URL
func (r *Reporter) GetGatewayURL() string {
	return r.gatewayURL
}

// CheckHealth verifies the gateway is reachable by calling /health endpoint
// Returns error if gateway is not responding or returns non-200 status
func (r *Reporter) CheckHealth(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", r.gatewayURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach gateway health endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway health check failed with status %d", resp.StatusCode)
	}

	slog.Debug("Gateway health check passed", "url", url)
	return nil
}
