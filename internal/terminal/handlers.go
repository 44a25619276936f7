// Package terminal implements the two terminal handlers that conclude a
// pipeline: the happy terminal persists the final payload, the error
// terminal persists the failure, and both notify the gateway. They run
// inside the runtime as registered message-mode handlers.
//
// Both handlers swallow their own storage and gateway failures — reporting
// is best-effort and the persisted document is the durable record — but
// they never mask upstream errors: a missing job_id is a real failure.
package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/anzu-project/anzu/internal/progress"
	"github.com/anzu-project/anzu/pkg/handlers"
)

// Registered handler names, selected via ANZU_HANDLER on terminal actors.
const (
	HappyEndHandler = "terminal.happy_end"
	ErrorEndHandler = "terminal.error_end"
)

const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
)

// persister is what EndHandlers needs from storage; nil disables
// persistence.
type persister interface {
	Persist(ctx context.Context, req PersistRequest) map[string]string
}

// finalReporter is what EndHandlers needs from the gateway client; nil
// disables reporting.
type finalReporter interface {
	ReportFinal(ctx context.Context, report progress.FinalReport) error
}

// EndHandlers holds the terminal handlers' collaborators.
type EndHandlers struct {
	store         persister
	reporter      finalReporter
	resultsPrefix string
	errorsPrefix  string
}

// New builds terminal handlers. store and reporter may each be nil when the
// corresponding backend is not configured.
func New(store persister, reporter finalReporter, resultsPrefix, errorsPrefix string) *EndHandlers {
	return &EndHandlers{
		store:         store,
		reporter:      reporter,
		resultsPrefix: resultsPrefix,
		errorsPrefix:  errorsPrefix,
	}
}

// Register wires the terminal handlers into the handler registry from the
// environment. Called once from the runtime main; terminal actors select
// them with ANZU_HANDLER=terminal.happy_end or terminal.error_end.
func Register(ctx context.Context) error {
	var store persister
	if bucket := os.Getenv("ANZU_S3_BUCKET"); bucket != "" {
		s3Store, err := NewS3Store(ctx, StoreConfig{
			Bucket:    bucket,
			Endpoint:  os.Getenv("ANZU_S3_ENDPOINT"),
			AccessKey: os.Getenv("ANZU_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("ANZU_S3_SECRET_KEY"),
			Region:    envOr("ANZU_S3_REGION", "us-east-1"),
		})
		if err != nil {
			return fmt.Errorf("configuring terminal storage: %w", err)
		}
		store = s3Store
	}
	var reporter finalReporter
	if gatewayURL := os.Getenv("ANZU_GATEWAY_URL"); gatewayURL != "" {
		reporter = progress.NewReporter(gatewayURL, "terminal")
		slog.Info("gateway reporting enabled", "url", gatewayURL)
	}

	h := New(store, reporter,
		envOr("ANZU_S3_RESULTS_PREFIX", "anzu-results/"),
		envOr("ANZU_S3_ERRORS_PREFIX", "anzu-errors/"))
	handlers.RegisterMessage(HappyEndHandler, h.HappyEnd)
	handlers.RegisterMessage(ErrorEndHandler, h.ErrorEnd)
	return nil
}

// HappyEnd handles successfully completed jobs: persist the final payload
// under the results prefix, report succeeded to the gateway, and return no
// outputs so the sidecar treats the message as fully consumed.
func (h *EndHandlers) HappyEnd(ctx context.Context, msg map[string]any) (any, error) {
	jobID, _ := msg["job_id"].(string)
	if jobID == "" {
		return nil, fmt.Errorf("missing required message key: job_id")
	}
	payload := msg["payload"]
	steps, current := routeOf(msg)

	slog.Info("processing successful completion", "job_id", jobID)

	var storageInfo map[string]string
	if h.store != nil {
		storageInfo = h.store.Persist(ctx, PersistRequest{
			JobID:        jobID,
			Data:         payload,
			Status:       statusSucceeded,
			Prefix:       h.resultsPrefix,
			RouteSteps:   steps,
			CurrentIndex: current,
		})
	}

	if h.reporter != nil {
		one := 1.0
		if err := h.reporter.ReportFinal(ctx, progress.FinalReport{
			JobID:    jobID,
			Status:   statusSucceeded,
			Progress: &one,
			Result:   payload,
			Metadata: storageInfo,
		}); err != nil {
			slog.Warn("gateway final report failed", "job_id", jobID, "error", err)
		}
	}

	slog.Info("happy-end processing complete", "job_id", jobID,
		"persisted", storageInfo["s3_uri"] != "")
	return nil, nil
}

// ErrorEnd handles failed jobs: unwrap the error envelope, persist the
// failure under the errors prefix, and report failed to the gateway.
func (h *EndHandlers) ErrorEnd(ctx context.Context, msg map[string]any) (any, error) {
	jobID, payload, steps, current, errorDesc, err := parseErrorMessage(msg)
	if err != nil {
		return nil, err
	}

	slog.Info("processing failed job", "job_id", jobID, "error", truncate(errorDesc, 100))

	var storageInfo map[string]string
	if h.store != nil {
		storageInfo = h.store.Persist(ctx, PersistRequest{
			JobID:        jobID,
			Data:         payload,
			Status:       statusFailed,
			Prefix:       h.errorsPrefix,
			RouteSteps:   steps,
			CurrentIndex: current,
			Error:        errorDesc,
		})
	}

	slog.Warn("job failed permanently", "job_id", jobID, "error", truncate(errorDesc, 100))

	if h.reporter != nil {
		if err := h.reporter.ReportFinal(ctx, progress.FinalReport{
			JobID:    jobID,
			Status:   statusFailed,
			Progress: nil,
			Error:    errorDesc,
			Metadata: storageInfo,
		}); err != nil {
			slog.Warn("gateway final report failed", "job_id", jobID, "error", err)
		}
	}
	return nil, nil
}

// parseErrorMessage unwraps the error envelope the router publishes. The
// original message may arrive as a JSON string or an embedded object; on a
// parse failure the wrapper itself is used so the failure still gets
// recorded.
func parseErrorMessage(msg map[string]any) (jobID string, payload any, steps []string, current *int, errorDesc string, err error) {
	errorDesc = "Unknown error"
	if desc, ok := msg["error"].(string); ok && desc != "" {
		errorDesc = desc
	}
	if details, ok := msg["details"].(map[string]any); ok {
		if detail, ok := details["message"].(string); ok && detail != "" {
			errorDesc = fmt.Sprintf("%s: %s", errorDesc, detail)
		}
	}

	original := msg
	switch om := msg["original_message"].(type) {
	case string:
		var parsed map[string]any
		if jsonErr := json.Unmarshal([]byte(om), &parsed); jsonErr != nil {
			slog.Warn("failed to parse original_message", "snippet", truncate(om, 100))
		} else {
			original = parsed
		}
	case map[string]any:
		original = om
	}

	jobID, _ = original["job_id"].(string)
	if jobID == "" {
		return "", nil, nil, nil, "", fmt.Errorf("missing required message key: job_id")
	}
	payload = original["payload"]
	if payload == nil {
		payload = map[string]any{}
	}
	steps, current = routeOf(original)
	return jobID, payload, steps, current, errorDesc, nil
}

// routeOf extracts steps and cursor from a generic envelope, tolerating any
// malformed shape.
func routeOf(msg map[string]any) ([]string, *int) {
	route, ok := msg["route"].(map[string]any)
	if !ok {
		return nil, nil
	}
	var steps []string
	if list, ok := route["steps"].([]any); ok {
		for _, s := range list {
			if name, ok := s.(string); ok {
				steps = append(steps, name)
			}
		}
	}
	var current *int
	if f, ok := route["current"].(float64); ok {
		n := int(f)
		current = &n
	}
	return steps, current
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
