package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"github.com/anzu-project/anzu/internal/config"
	"github.com/anzu-project/anzu/pkg/envelopes"
	"github.com/anzu-project/anzu/pkg/handlers"
)

func init() {
	handlers.RegisterPayload("servertest.echo", func(_ context.Context, payload any) (any, error) {
		return payload, nil
	})
	handlers.RegisterPayload("servertest.none", func(_ context.Context, payload any) (any, error) {
		return nil, nil
	})
	handlers.RegisterPayload("servertest.fail", func(_ context.Context, payload any) (any, error) {
		return nil, fmt.Errorf("bad")
	})
	handlers.RegisterPayload("servertest.panics", func(_ context.Context, payload any) (any, error) {
		panic("kaboom")
	})
	handlers.RegisterMessage("servertest.forward", func(_ context.Context, msg map[string]any) (any, error) {
		return msg, nil
	})
	handlers.RegisterMessage("servertest.movecursor", func(_ context.Context, msg map[string]any) (any, error) {
		route := msg["route"].(map[string]any)
		return map[string]any{
			"payload": msg["payload"],
			"route": map[string]any{
				"steps":   route["steps"],
				"current": route["current"].(float64) + 1,
			},
		}, nil
	})
	handlers.RegisterMessage("servertest.extend", func(_ context.Context, msg map[string]any) (any, error) {
		route := msg["route"].(map[string]any)
		steps := append(route["steps"].([]any), "appended")
		return map[string]any{
			"payload": msg["payload"],
			"route": map[string]any{
				"steps":   steps,
				"current": route["current"],
			},
		}, nil
	})
}

func startServer(t *testing.T, handlerName, argType string, validate bool) *Client {
	t.Helper()

	socketPath, err := nettest.LocalPath()
	if err != nil {
		t.Fatalf("Failed to get local path: %v", err)
	}
	cfg := &config.Runtime{
		Handler:          handlerName,
		ArgType:          argType,
		SocketPath:       socketPath,
		SocketChmod:      "",
		ChunkSize:        65536,
		EnableValidation: validate,
	}
	srv, err := NewServer(cfg, slog.Default())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})

	return NewClient(socketPath, 5*time.Second)
}

func mustInvoke(t *testing.T, client *Client, body string) []json.RawMessage {
	t.Helper()
	responses, err := client.Invoke(context.Background(), []byte(body))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	return responses
}

func decodeError(t *testing.T, raw json.RawMessage) envelopes.ErrorEnvelope {
	t.Helper()
	var errEnv envelopes.ErrorEnvelope
	if err := json.Unmarshal(raw, &errEnv); err != nil {
		t.Fatalf("failed to decode error element: %v", err)
	}
	return errEnv
}

func TestServer_EchoHappyPath(t *testing.T) {
	client := startServer(t, "servertest.echo", "payload", true)

	responses := mustInvoke(t, client, `{"payload":{"x":1},"route":{"steps":["a","b"],"current":0}}`)
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}

	var env envelopes.Envelope
	if err := json.Unmarshal(responses[0], &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if string(env.Payload) != `{"x":1}` {
		t.Errorf("payload = %s, want {\"x\":1}", env.Payload)
	}
	if env.Route.Current != 0 {
		t.Errorf("route.current = %d, want 0 (the runtime never advances the cursor)", env.Route.Current)
	}
	if len(env.Route.Steps) != 2 || env.Route.Steps[0] != "a" || env.Route.Steps[1] != "b" {
		t.Errorf("route.steps = %v, want [a b]", env.Route.Steps)
	}
}

func TestServer_FanOutPreservesOrder(t *testing.T) {
	client := startServer(t, "servertest.echo", "payload", true)

	responses := mustInvoke(t, client, `{"payload":[{"id":1},{"id":2},{"id":3}],"route":{"steps":["a","b"],"current":0}}`)
	if len(responses) != 3 {
		t.Fatalf("got %d responses, want 3", len(responses))
	}
	for i, raw := range responses {
		var env envelopes.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("failed to decode response %d: %v", i, err)
		}
		want := fmt.Sprintf(`{"id":%d}`, i+1)
		if string(env.Payload) != want {
			t.Errorf("response %d payload = %s, want %s", i, env.Payload, want)
		}
	}
}

func TestServer_NilReturnMeansEmptyResponse(t *testing.T) {
	client := startServer(t, "servertest.none", "payload", true)

	responses := mustInvoke(t, client, `{"payload":{"x":1},"route":{"steps":["a"],"current":0}}`)
	if len(responses) != 0 {
		t.Fatalf("got %d responses, want 0", len(responses))
	}
}

func TestServer_HandlerError(t *testing.T) {
	client := startServer(t, "servertest.fail", "payload", true)

	responses := mustInvoke(t, client, `{"payload":{},"route":{"steps":["a"],"current":0}}`)
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	errEnv := decodeError(t, responses[0])
	if errEnv.Error != envelopes.KindProcessing {
		t.Errorf("error = %q, want %q", errEnv.Error, envelopes.KindProcessing)
	}
	if errEnv.Details == nil || errEnv.Details.Message != "bad" {
		t.Errorf("details = %+v, want message %q", errEnv.Details, "bad")
	}
	if errEnv.Details.Type == "" {
		t.Error("details.type is empty")
	}
}

func TestServer_HandlerPanicCarriesTraceback(t *testing.T) {
	client := startServer(t, "servertest.panics", "payload", true)

	responses := mustInvoke(t, client, `{"payload":{},"route":{"steps":["a"],"current":0}}`)
	errEnv := decodeError(t, responses[0])
	if errEnv.Error != envelopes.KindProcessing {
		t.Errorf("error = %q, want %q", errEnv.Error, envelopes.KindProcessing)
	}
	if errEnv.Details == nil || errEnv.Details.Message != "kaboom" {
		t.Errorf("details = %+v, want message %q", errEnv.Details, "kaboom")
	}
	if errEnv.Details.Traceback == "" {
		t.Error("details.traceback is empty for a panic")
	}
}

func TestServer_MessageModeRouteMismatch(t *testing.T) {
	client := startServer(t, "servertest.movecursor", "message", true)

	responses := mustInvoke(t, client, `{"payload":{},"route":{"steps":["a","b"],"current":0}}`)
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	errEnv := decodeError(t, responses[0])
	if errEnv.Error != envelopes.KindProcessing {
		t.Errorf("error = %q, want %q", errEnv.Error, envelopes.KindProcessing)
	}
	msg := errEnv.Details.Message
	for _, want := range []string{"Invalid output message[0/1]", "Route mismatch", "'a'", "'b'"} {
		if !strings.Contains(msg, want) {
			t.Errorf("details.message %q does not contain %q", msg, want)
		}
	}
}

func TestServer_MessageModeRouteExtension(t *testing.T) {
	client := startServer(t, "servertest.extend", "message", true)

	responses := mustInvoke(t, client, `{"payload":{},"route":{"steps":["a","b"],"current":0}}`)
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	var env envelopes.Envelope
	if err := json.Unmarshal(responses[0], &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(env.Route.Steps) != 3 || env.Route.Steps[2] != "appended" {
		t.Errorf("route.steps = %v, want extended route ending in 'appended'", env.Route.Steps)
	}
	if env.Route.Current != 0 {
		t.Errorf("route.current = %d, want 0", env.Route.Current)
	}
}

func TestServer_ParsingErrors(t *testing.T) {
	client := startServer(t, "servertest.echo", "payload", true)

	tests := []struct {
		name string
		body string
	}{
		{"zero-length body", ""},
		{"invalid json", "{not json"},
		{"missing payload", `{"route":{"steps":["a"],"current":0}}`},
		{"missing route", `{"payload":{}}`},
		{"current out of bounds", `{"payload":{},"route":{"steps":["a"],"current":5}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responses := mustInvoke(t, client, tt.body)
			if len(responses) != 1 {
				t.Fatalf("got %d responses, want 1", len(responses))
			}
			errEnv := decodeError(t, responses[0])
			if errEnv.Error != envelopes.KindMsgParsing {
				t.Errorf("error = %q, want %q", errEnv.Error, envelopes.KindMsgParsing)
			}
		})
	}
}

func TestServer_ValidationDisabledAcceptsMore(t *testing.T) {
	// Everything accepted with validation on must also be accepted with it
	// off, and shape violations stop being rejected.
	client := startServer(t, "servertest.none", "payload", false)

	responses := mustInvoke(t, client, `{"route":{"steps":[],"current":9}}`)
	if len(responses) != 0 {
		t.Fatalf("got %d responses, want 0", len(responses))
	}
}

func TestServer_ServesSequentialConnections(t *testing.T) {
	client := startServer(t, "servertest.echo", "payload", true)

	for i := 0; i < 5; i++ {
		body := fmt.Sprintf(`{"payload":%d,"route":{"steps":["a"],"current":0}}`, i)
		responses := mustInvoke(t, client, body)
		if len(responses) != 1 {
			t.Fatalf("request %d: got %d responses, want 1", i, len(responses))
		}
	}
}

func TestServer_UnicodePayload(t *testing.T) {
	client := startServer(t, "servertest.echo", "payload", true)

	responses := mustInvoke(t, client, `{"payload":"héllo wörld 日本語","route":{"steps":["a"],"current":0}}`)
	var env envelopes.Envelope
	if err := json.Unmarshal(responses[0], &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	var s string
	if err := json.Unmarshal(env.Payload, &s); err != nil || s != "héllo wörld 日本語" {
		t.Errorf("payload = %s, unicode not preserved", env.Payload)
	}
}

func TestServer_LargePayload(t *testing.T) {
	client := startServer(t, "servertest.echo", "payload", true)

	large := strings.Repeat("x", 256*1024)
	body := fmt.Sprintf(`{"payload":"%s","route":{"steps":["a"],"current":0}}`, large)
	responses := mustInvoke(t, client, body)
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	var env envelopes.Envelope
	if err := json.Unmarshal(responses[0], &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(env.Payload) < len(large) {
		t.Errorf("payload came back truncated: %d bytes", len(env.Payload))
	}
}

func TestNewServer_RejectsInvalidHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler string
		argType string
	}{
		{"path traversal", "../etc/passwd", "payload"},
		{"no dots", "echo", "payload"},
		{"unregistered", "servertest.unregistered", "payload"},
		{"arg type mismatch", "servertest.echo", "message"},
		{"invalid arg type", "servertest.echo", "envelope"},
		{"empty handler", "", "payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Runtime{Handler: tt.handler, ArgType: tt.argType, SocketPath: "/tmp/unused.sock", ChunkSize: 65536, EnableValidation: true}
			if _, err := NewServer(cfg, nil); err == nil {
				t.Error("NewServer() expected error, got nil")
			}
		})
	}
}

func TestServer_SocketChmod(t *testing.T) {
	socketPath, err := nettest.LocalPath()
	if err != nil {
		t.Fatalf("Failed to get local path: %v", err)
	}
	cfg := &config.Runtime{
		Handler:          "servertest.echo",
		ArgType:          "payload",
		SocketPath:       socketPath,
		SocketChmod:      "0o600",
		ChunkSize:        65536,
		EnableValidation: true,
	}
	srv, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer srv.Close()

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("socket permissions = %o, want 600", perm)
	}
}

func TestServer_RemovesStaleSocketAndUnlinksOnClose(t *testing.T) {
	socketPath, err := nettest.LocalPath()
	if err != nil {
		t.Fatalf("Failed to get local path: %v", err)
	}
	if err := os.WriteFile(socketPath, []byte("stale"), 0o600); err != nil {
		t.Fatalf("Failed to plant stale file: %v", err)
	}

	cfg := &config.Runtime{
		Handler:          "servertest.echo",
		ArgType:          "payload",
		SocketPath:       socketPath,
		ChunkSize:        65536,
		EnableValidation: true,
	}
	srv, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() with stale socket error = %v", err)
	}
	srv.Close()

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket file still exists after Close: %v", err)
	}
}
