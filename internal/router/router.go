// Package router applies the routing rules to runtime responses: advance
// the cursor and publish to the next step's queue, collapse empty responses
// into the happy-end queue, wrap errors for the error-end queue, and decide
// requeue-vs-terminalize for recoverable failures.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anzu-project/anzu/internal/config"
	"github.com/anzu-project/anzu/internal/metrics"
	"github.com/anzu-project/anzu/internal/progress"
	"github.com/anzu-project/anzu/internal/runtime"
	"github.com/anzu-project/anzu/internal/transport"
	"github.com/anzu-project/anzu/pkg/envelopes"
)

// RuntimeInvoker performs one request/response exchange with the runtime.
type RuntimeInvoker interface {
	Invoke(ctx context.Context, body []byte) ([]json.RawMessage, error)
}

// Router drives one delivery through the runtime and back out to the
// broker. Safe for concurrent use; per-delivery state stays on the stack.
type Router struct {
	cfg       *config.Config
	transport transport.Transport
	runtime   RuntimeInvoker
	reporter  *progress.Reporter
	metrics   *metrics.Metrics
	log       *slog.Logger
}

// NewRouter creates a router. reporter may be nil when no gateway is
// configured.
func NewRouter(cfg *config.Config, tr transport.Transport, rc RuntimeInvoker, reporter *progress.Reporter) *Router {
	return &Router{
		cfg:       cfg,
		transport: tr,
		runtime:   rc,
		reporter:  reporter,
		log:       slog.Default().With("actor", cfg.ActorName),
	}
}

// WithMetrics attaches a metrics recorder.
func (r *Router) WithMetrics(m *metrics.Metrics) *Router {
	r.metrics = m
	return r
}

// ProcessEnvelope handles one delivery end to end. The inbound message is
// acknowledged only after every outbound publish has been confirmed;
// returning an error means the delivery was nacked (or left unacked) for
// redelivery.
func (r *Router) ProcessEnvelope(ctx context.Context, msg transport.QueueMessage) error {
	start := time.Now()
	if r.metrics != nil {
		r.metrics.RecordMessageReceived(r.cfg.ActorName, r.cfg.Transport)
		r.metrics.RecordMessageSize("received", len(msg.Body))
		r.metrics.IncrementActiveEnvelopes()
		defer r.metrics.DecrementActiveEnvelopes()
	}

	// Best-effort parse of the inbound envelope; routing of errors and the
	// empty-collapse use the raw body, so a malformed envelope still flows
	// through the runtime and comes back as a structured parsing error.
	var in envelopes.Envelope
	_ = json.Unmarshal(msg.Body, &in)

	r.reportProgress(ctx, in, progress.Update{
		Steps:          in.Route.Steps,
		CurrentStepIdx: in.Route.Current,
		Status:         progress.StatusReceived,
	})
	r.reportProgress(ctx, in, progress.Update{
		Steps:          in.Route.Steps,
		CurrentStepIdx: in.Route.Current,
		Status:         progress.StatusProcessing,
	})

	runtimeStart := time.Now()
	responses, err := r.runtime.Invoke(ctx, msg.Body)
	if r.metrics != nil {
		r.metrics.RecordRuntimeDuration(r.cfg.ActorName, time.Since(runtimeStart))
	}
	if err != nil {
		return r.handleRuntimeFailure(ctx, msg, err)
	}

	if len(responses) > 0 && envelopes.IsErrorElement(responses[0]) {
		return r.handleErrorResponse(ctx, msg, responses[0])
	}

	if len(responses) == 0 {
		if err := r.handleEmptyResponse(ctx, msg); err != nil {
			return err
		}
	} else {
		if err := r.handleOutputs(ctx, msg, in, responses); err != nil {
			return err
		}
	}

	duration := time.Since(start)
	if r.metrics != nil {
		r.metrics.RecordMessageProcessed(r.cfg.ActorName, "success")
		r.metrics.RecordProcessingDuration(r.cfg.ActorName, duration)
	}
	durationMs := duration.Milliseconds()
	sizeKB := float64(len(msg.Body)) / 1024.0
	r.reportProgress(ctx, in, progress.Update{
		Steps:          in.Route.Steps,
		CurrentStepIdx: in.Route.Current,
		Status:         progress.StatusCompleted,
		DurationMs:     &durationMs,
		MessageSizeKB:  &sizeKB,
	})
	return nil
}

// handleRuntimeFailure deals with failures of the socket exchange itself: a
// wall-clock timeout becomes a synthesized timeout_error envelope subject to
// the recoverable-retry policy; everything else is transient and goes back
// to the broker.
func (r *Router) handleRuntimeFailure(ctx context.Context, msg transport.QueueMessage, err error) error {
	if errors.Is(err, runtime.ErrTimeout) {
		r.log.Warn("runtime request timed out", "message_id", msg.ID, "timeout", r.cfg.Timeout, "error", err)
		details := &envelopes.ErrorDetails{Message: err.Error(), Type: "timeout"}
		return r.disposeError(ctx, msg, envelopes.KindTimeout, details)
	}
	r.log.Error("runtime connection failed", "message_id", msg.ID, "error", err)
	if r.metrics != nil {
		r.metrics.RecordRuntimeError(r.cfg.ActorName, "connection")
		r.metrics.RecordMessageFailed(r.cfg.ActorName, envelopes.KindConnection)
	}
	if nackErr := r.transport.Nack(ctx, msg); nackErr != nil {
		return fmt.Errorf("nacking after runtime failure: %w", nackErr)
	}
	return err
}

// handleErrorResponse routes an in-band error element from the runtime.
func (r *Router) handleErrorResponse(ctx context.Context, msg transport.QueueMessage, raw json.RawMessage) error {
	var errEnv envelopes.ErrorEnvelope
	if err := json.Unmarshal(raw, &errEnv); err != nil {
		errEnv = envelopes.ErrorEnvelope{Error: envelopes.KindProcessing, Details: &envelopes.ErrorDetails{Message: string(raw)}}
	}
	kind := classifyKind(errEnv.Error, errEnv.Details)
	if r.metrics != nil {
		r.metrics.RecordRuntimeError(r.cfg.ActorName, kind)
	}
	return r.disposeError(ctx, msg, kind, errEnv.Details)
}

// disposeError applies the severity policy for an error kind: transient
// errors are always requeued, recoverable ones are requeued until the
// delivery counter reaches the retry bound, fatal ones terminalize
// immediately.
func (r *Router) disposeError(ctx context.Context, msg transport.QueueMessage, kind string, details *envelopes.ErrorDetails) error {
	switch {
	case kind == envelopes.KindConnection:
		r.log.Warn("transient runtime error, requeueing", "message_id", msg.ID, "kind", kind)
		if r.metrics != nil {
			r.metrics.RecordMessageFailed(r.cfg.ActorName, kind)
		}
		return r.transport.Nack(ctx, msg)

	case isRecoverable(kind) && msg.ReceiveCount < r.cfg.MaxRetries:
		r.log.Warn("recoverable error, requeueing",
			"message_id", msg.ID,
			"kind", kind,
			"receive_count", msg.ReceiveCount,
			"max_retries", r.cfg.MaxRetries)
		if r.metrics != nil {
			r.metrics.RecordMessageFailed(r.cfg.ActorName, kind)
		}
		return r.transport.Nack(ctx, msg)
	}
	return r.terminalizeError(ctx, msg, kind, details)
}

// terminalizeError wraps the original envelope and publishes it to the
// error-end queue. On the error terminal itself the wrapper goes to the
// dead-letter queue instead; republishing to our own queue would loop.
func (r *Router) terminalizeError(ctx context.Context, msg transport.QueueMessage, kind string, details *envelopes.ErrorDetails) error {
	wrapper := envelopes.ErrorEnvelope{
		Error:           kind,
		Details:         details,
		OriginalMessage: string(msg.Body),
	}
	body, err := json.Marshal(wrapper)
	if err != nil {
		return fmt.Errorf("marshaling error wrapper: %w", err)
	}

	dest := r.cfg.ErrorEndQueue
	if r.cfg.IsErrorTerminal() {
		if r.cfg.DLQName == "" {
			r.log.Error("dropping failed message on error terminal without DLQ", "message_id", msg.ID, "kind", kind)
			return r.transport.Ack(ctx, msg)
		}
		dest = r.cfg.DLQName
	}

	if err := r.transport.Send(ctx, dest, body); err != nil {
		r.log.Error("failed to publish error envelope, requeueing", "destination", dest, "error", err)
		if nackErr := r.transport.Nack(ctx, msg); nackErr != nil {
			return fmt.Errorf("nacking after publish failure: %w", nackErr)
		}
		return err
	}
	if r.metrics != nil {
		r.metrics.RecordMessageSent(dest, "error")
		r.metrics.RecordMessageProcessed(r.cfg.ActorName, "error")
		r.metrics.RecordMessageFailed(r.cfg.ActorName, kind)
	}
	r.log.Info("routed message to error terminal", "message_id", msg.ID, "kind", kind, "destination", dest)
	return r.transport.Ack(ctx, msg)
}

// handleEmptyResponse implements the empty-collapse rule: no outputs means
// "abort the pipeline cleanly", so the original envelope travels unchanged
// to the happy-end queue. On a terminal queue an empty response means fully
// consumed; the error terminal additionally forwards the original message
// to the dead-letter queue.
func (r *Router) handleEmptyResponse(ctx context.Context, msg transport.QueueMessage) error {
	if r.cfg.IsTerminal() {
		if r.cfg.IsErrorTerminal() && r.cfg.DLQName != "" {
			if err := r.transport.Send(ctx, r.cfg.DLQName, msg.Body); err != nil {
				r.log.Error("failed to forward to dead-letter queue", "error", err)
				if nackErr := r.transport.Nack(ctx, msg); nackErr != nil {
					return fmt.Errorf("nacking after DLQ failure: %w", nackErr)
				}
				return err
			}
			if r.metrics != nil {
				r.metrics.RecordMessageSent(r.cfg.DLQName, "dead_letter")
			}
		}
		r.log.Debug("terminal processing complete", "message_id", msg.ID)
		return r.transport.Ack(ctx, msg)
	}

	if err := r.publish(ctx, r.cfg.HappyEndQueue, msg.Body, "terminal"); err != nil {
		if nackErr := r.transport.Nack(ctx, msg); nackErr != nil {
			return fmt.Errorf("nacking after publish failure: %w", nackErr)
		}
		return err
	}
	r.log.Info("empty response, routed original to happy terminal", "message_id", msg.ID)
	return r.transport.Ack(ctx, msg)
}

// handleOutputs advances the cursor on each success envelope and publishes
// it. All outputs are decoded before anything is published so a corrupt
// element cannot leave a partially delivered fan-out.
func (r *Router) handleOutputs(ctx context.Context, msg transport.QueueMessage, in envelopes.Envelope, responses []json.RawMessage) error {
	type outbound struct {
		actor string
		body  []byte
	}
	outs := make([]outbound, 0, len(responses))
	for i, raw := range responses {
		var out envelopes.Envelope
		if err := json.Unmarshal(raw, &out); err != nil {
			details := &envelopes.ErrorDetails{
				Message: fmt.Sprintf("invalid runtime output message[%d/%d]: %v", i, len(responses), err),
				Type:    "invalid_output",
			}
			return r.terminalizeError(ctx, msg, envelopes.KindProcessing, details)
		}
		// The runtime strips job_id from handler outputs; the job identity
		// is pipeline-stable, so re-attach the inbound one.
		if out.JobID == "" {
			out.JobID = in.JobID
		}
		out.Route = out.Route.IncrementCurrent()

		dest := r.cfg.HappyEndQueue
		if next := out.Route.GetCurrentStep(); next != "" {
			dest = next
		}
		body, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("marshaling outbound envelope: %w", err)
		}
		outs = append(outs, outbound{actor: dest, body: body})
	}

	for _, out := range outs {
		kind := "routing"
		if out.actor == r.cfg.HappyEndQueue {
			kind = "terminal"
		}
		if err := r.publish(ctx, out.actor, out.body, kind); err != nil {
			// Earlier outputs may already be published; at-least-once
			// delivery makes redelivery duplicates the handler's problem.
			if nackErr := r.transport.Nack(ctx, msg); nackErr != nil {
				return fmt.Errorf("nacking after publish failure: %w", nackErr)
			}
			return err
		}
	}
	r.log.Debug("routed outputs", "message_id", msg.ID, "count", len(outs))
	return r.transport.Ack(ctx, msg)
}

func (r *Router) publish(ctx context.Context, actor string, body []byte, messageType string) error {
	sendStart := time.Now()
	if err := r.transport.Send(ctx, actor, body); err != nil {
		return fmt.Errorf("publishing to %s: %w", actor, err)
	}
	if r.metrics != nil {
		r.metrics.RecordQueueSendDuration(actor, r.cfg.Transport, time.Since(sendStart))
		r.metrics.RecordMessageSent(actor, messageType)
		r.metrics.RecordMessageSize("sent", len(body))
	}
	return nil
}

func (r *Router) reportProgress(ctx context.Context, in envelopes.Envelope, update progress.Update) {
	if r.reporter == nil {
		return
	}
	if err := r.reporter.ReportProgress(ctx, in.JobID, update); err != nil {
		r.log.Warn("progress reporting failed", "job_id", in.JobID, "error", err)
	}
}

func isRecoverable(kind string) bool {
	switch kind {
	case envelopes.KindTimeout, envelopes.KindOOM, envelopes.KindCUDAOOM:
		return true
	}
	return false
}

// classifyKind upgrades processing errors whose signature identifies memory
// exhaustion: those are recoverable at the broker layer (the process can be
// restarted with a smaller working set), unlike ordinary handler failures.
func classifyKind(kind string, details *envelopes.ErrorDetails) string {
	if kind != envelopes.KindProcessing || details == nil {
		return kind
	}
	text := strings.ToLower(details.Type + ": " + details.Message + " " + details.Traceback)
	if strings.Contains(text, "cuda out of memory") || strings.Contains(text, "cuda error: out of memory") {
		return envelopes.KindCUDAOOM
	}
	if strings.Contains(text, "memoryerror") ||
		strings.Contains(text, "out of memory") ||
		strings.Contains(text, "cannot allocate memory") {
		return envelopes.KindOOM
	}
	return kind
}
