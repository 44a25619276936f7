// The sidecar binary bridges the broker and the runtime socket: it consumes
// the actor's queue, drives one socket round trip per delivery, and applies
// the routing rules to every response.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anzu-project/anzu/internal/config"
	"github.com/anzu-project/anzu/internal/metrics"
	"github.com/anzu-project/anzu/internal/progress"
	"github.com/anzu-project/anzu/internal/router"
	"github.com/anzu-project/anzu/internal/runtime"
	"github.com/anzu-project/anzu/internal/transport"
)

const runtimeStartupTimeout = 60 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.LogLevel(),
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("FATAL: invalid configuration", "error", err)
		return 1
	}
	log := slog.Default().With("actor", cfg.ActorName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(cfg.ActorName, cfg.CustomMetrics)
	metricsServer := serveMetrics(cfg.MetricsPort, m, log)
	defer shutdownMetrics(metricsServer, log)

	var reporter *progress.Reporter
	if cfg.GatewayURL != "" {
		reporter = progress.NewReporter(cfg.GatewayURL, cfg.ActorName)
		if err := reporter.CheckHealth(ctx); err != nil {
			log.Warn("gateway not reachable at startup, continuing", "error", err)
		}
	}

	log.Info("waiting for runtime", "socket", cfg.SocketPath, "ready_file", cfg.ReadyFile)
	if err := waitForRuntime(ctx, cfg.ReadyFile, cfg.SocketPath, runtimeStartupTimeout); err != nil {
		log.Error("FATAL: runtime did not become ready", "error", err)
		return 1
	}

	tr, err := newTransport(ctx, cfg)
	if err != nil {
		log.Error("FATAL: failed to initialize transport", "transport", cfg.Transport, "error", err)
		return 1
	}
	defer func() { _ = tr.Close() }()

	client := runtime.NewClient(cfg.SocketPath, cfg.Timeout)
	r := router.NewRouter(cfg, tr, client, reporter).WithMetrics(m)

	log.Info("sidecar consuming",
		"transport", cfg.Transport,
		"queue", transport.QueueName(cfg.ActorName),
		"prefetch", cfg.Prefetch,
		"terminal", cfg.IsTerminal())
	consume(ctx, cfg, tr, r, m, log)

	log.Info("sidecar stopped")
	return 0
}

// consume runs the delivery loop. Deliveries run concurrently up to the
// prefetch window; the broker stops dispatching once that window is full of
// unacknowledged messages.
func consume(ctx context.Context, cfg *config.Config, tr transport.Transport, r *router.Router, m *metrics.Metrics, log *slog.Logger) {
	slots := make(chan struct{}, cfg.Prefetch)
	for ctx.Err() == nil {
		receiveStart := time.Now()
		msg, err := tr.Receive(ctx, cfg.ActorName)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, transport.ErrNoMessage) {
				continue
			}
			log.Warn("receive failed, backing off", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		m.RecordQueueReceiveDuration(cfg.ActorName, cfg.Transport, time.Since(receiveStart))

		slots <- struct{}{}
		go func() {
			defer func() { <-slots }()
			if err := r.ProcessEnvelope(ctx, msg); err != nil {
				log.Error("delivery processing failed", "message_id", msg.ID, "error", err)
			}
		}()
	}
	// Drain in-flight deliveries before returning.
	for i := 0; i < cap(slots); i++ {
		slots <- struct{}{}
	}
}

func newTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportRabbitMQ:
		return transport.NewRabbitMQTransport(cfg.RabbitURL, cfg.Exchange, cfg.Prefetch)
	case config.TransportSQS:
		return transport.NewSQSTransport(ctx, cfg.SQSRegion, cfg.SQSEndpoint, cfg.VisibilityTimeout, cfg.WaitTimeSeconds)
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func serveMetrics(port int, m *metrics.Metrics, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", "error", err)
		}
	}()
	return srv
}

func shutdownMetrics(srv *http.Server, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("metrics server shutdown failed", "error", err)
	}
}

// waitForRuntime blocks until the runtime has written its ready file and
// the socket accepts connections, or the timeout elapses. An empty
// readyFile skips the file check and gates on the socket alone.
func waitForRuntime(ctx context.Context, readyFile, socketPath string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		ready := readyFile == ""
		if !ready {
			if _, err := os.Stat(readyFile); err == nil {
				ready = true
			}
		}
		if ready {
			if err := verifySocketConnection(socketPath); err == nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("runtime not ready within %s: %w", timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// verifySocketConnection checks that socketPath exists, is a Unix socket,
// and has a listening runtime behind it.
func verifySocketConnection(socketPath string) error {
	info, err := os.Stat(socketPath)
	if err != nil {
		return fmt.Errorf("socket not found: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s is not a socket", socketPath)
	}
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		return fmt.Errorf("socket not accepting connections: %w", err)
	}
	return conn.Close()
}
