// The runtime binary serves one user function over a Unix socket. The
// handler is selected by ANZU_HANDLER from the compiled-in registry; the
// sidecar drives the socket.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/anzu-project/anzu/internal/config"
	"github.com/anzu-project/anzu/internal/runtime"
	"github.com/anzu-project/anzu/internal/terminal"

	// Registered handlers selectable via ANZU_HANDLER.
	_ "github.com/anzu-project/anzu/pkg/handlers/sample"
)

func main() {
	os.Exit(run())
}

func run() int {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.LogLevel(),
	})))

	cfg, err := config.LoadRuntime()
	if err != nil {
		slog.Error("FATAL: invalid configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := terminal.Register(ctx); err != nil {
		slog.Error("FATAL: failed to register terminal handlers", "error", err)
		return 1
	}

	srv, err := runtime.NewServer(cfg, slog.Default())
	if err != nil {
		slog.Error("FATAL: failed to initialize runtime", "handler", cfg.Handler, "error", err)
		return 1
	}
	if err := srv.Listen(); err != nil {
		slog.Error("FATAL: failed to create socket", "path", cfg.SocketPath, "error", err)
		return 1
	}

	if cfg.ReadyFile != "" {
		if err := os.WriteFile(cfg.ReadyFile, []byte("ready"), 0o644); err != nil {
			slog.Warn("failed to write ready file", "path", cfg.ReadyFile, "error", err)
		}
	}

	go func() {
		<-ctx.Done()
		slog.Warn("received shutdown signal, closing socket")
		srv.Close()
	}()

	slog.Info("runtime starting", "handler", cfg.Handler, "arg_type", cfg.ArgType, "socket", cfg.SocketPath)
	if err := srv.Serve(ctx); err != nil {
		slog.Error("runtime stopped with error", "error", err)
		return 1
	}
	return 0
}
