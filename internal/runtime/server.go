// Package runtime implements the step-execution runtime: a single-process,
// single-connection Unix-socket server that frames JSON messages, invokes
// the configured handler, validates input and output against the route
// invariant, and answers with zero-or-more envelopes or one structured
// error. It also provides the client side used by the sidecar.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/anzu-project/anzu/internal/config"
	"github.com/anzu-project/anzu/pkg/envelopes"
	"github.com/anzu-project/anzu/pkg/handlers"
)

// Server owns the handler function and the listening socket. Those are the
// only pieces of process-wide state; both are set up before the first accept
// and torn down on signal.
type Server struct {
	cfg     *config.Runtime
	handler handlers.Handler
	argType handlers.ArgType
	ln      net.Listener
	log     *slog.Logger
}

// NewServer resolves the configured handler and returns a server ready to
// listen. Resolution failures are fatal startup errors: the process must
// refuse to serve before accepting any connection.
func NewServer(cfg *config.Runtime, log *slog.Logger) (*Server, error) {
	argType, err := handlers.ParseArgType(cfg.ArgType)
	if err != nil {
		return nil, err
	}
	h, err := handlers.Resolve(cfg.Handler, argType)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, handler: h, argType: argType, log: log}, nil
}

// Listen creates the Unix socket, removing any stale file left by a previous
// process, and applies the configured permissions.
func (s *Server) Listen() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", s.cfg.SocketPath, err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.SocketPath, err)
	}
	if s.cfg.SocketChmod != "" {
		mode, err := parseOctalMode(s.cfg.SocketChmod)
		if err != nil {
			_ = ln.Close()
			return err
		}
		if err := os.Chmod(s.cfg.SocketPath, mode); err != nil {
			_ = ln.Close()
			return fmt.Errorf("chmod %s: %w", s.cfg.SocketPath, err)
		}
		s.log.Info("socket permissions set", "mode", s.cfg.SocketChmod)
	}
	s.ln = ln
	s.log.Info("socket server listening", "path", s.cfg.SocketPath, "handler", s.handler.Name, "arg_type", s.argType)
	return nil
}

// Serve accepts one connection at a time and processes exactly one request
// per connection. It returns when the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return fmt.Errorf("server is not listening")
	}
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.serveConn(ctx, conn)
	}
}

// Close closes the listener and unlinks the socket file. Safe to call from a
// signal handler goroutine while Serve blocks in accept.
func (s *Server) Close() {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("failed to unlink socket", "path", s.cfg.SocketPath, "error", err)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	response := s.handleRequest(ctx, conn)
	data, err := json.Marshal(response)
	if err != nil {
		// A handler returned something JSON cannot represent. The runtime
		// still answers in-band rather than dropping the connection.
		data, _ = json.Marshal(errorResponse(envelopes.KindProcessing, fmt.Errorf("marshaling response: %w", err)))
	}
	if err := WriteMessage(conn, data); err != nil {
		s.log.Warn("failed to send response", "error", err)
	}
}

// handleRequest reads, validates, and dispatches one framed request. It
// always produces a response array; errors are in-band elements, never
// raised across the socket.
func (s *Server) handleRequest(ctx context.Context, conn net.Conn) []any {
	data, err := ReadMessage(conn, s.cfg.ChunkSize)
	if err != nil {
		return errorResponse(envelopes.KindConnection, err)
	}

	decoded, err := decodeMessage(data)
	if err != nil {
		return errorResponse(envelopes.KindMsgParsing, err)
	}
	var msg map[string]any
	if s.cfg.EnableValidation {
		msg, err = validateMessage(decoded, "")
		if err != nil {
			return errorResponse(envelopes.KindMsgParsing, err)
		}
	} else {
		var ok bool
		if msg, ok = decoded.(map[string]any); !ok {
			return errorResponse(envelopes.KindProcessing, fmt.Errorf("message must be a JSON object"))
		}
	}
	s.log.Debug("received message", "bytes", len(data))

	outputs, err := s.invoke(ctx, msg)
	if err != nil {
		s.log.Error("error processing input message", "error", err)
		return errorResponse(envelopes.KindProcessing, err)
	}
	s.log.Debug("handler completed", "responses", len(outputs))
	return outputs
}

// invoke calls the user function with the configured calling convention and
// normalizes its return into a list of output envelopes. Panics inside the
// handler become processing errors with the recovered value and stack.
func (s *Server) invoke(ctx context.Context, msg map[string]any) (outputs []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()

	switch s.argType {
	case handlers.ArgTypePayload:
		out, err := s.handler.Payload(ctx, msg["payload"])
		if err != nil {
			return nil, err
		}
		values := handlers.NormalizeOutputs(out)
		outputs = make([]any, 0, len(values))
		for _, p := range values {
			outputs = append(outputs, map[string]any{"payload": p, "route": msg["route"]})
		}
		return outputs, nil

	case handlers.ArgTypeMessage:
		out, err := s.handler.Message(ctx, msg)
		if err != nil {
			return nil, err
		}
		values := handlers.NormalizeOutputs(out)
		if s.cfg.EnableValidation {
			// All-or-nothing: one bad output converts the whole response
			// into a single error, otherwise a partial fan-out could be
			// published.
			expected := currentStep(msg)
			for i, v := range values {
				validated, verr := validateMessage(v, expected)
				if verr != nil {
					return nil, fmt.Errorf("Invalid output message[%d/%d]: %w", i, len(values), verr)
				}
				values[i] = validated
			}
		}
		return values, nil
	}
	return nil, fmt.Errorf("invalid handler arg type %q", s.argType)
}

// panicError preserves the recovered value and formatted stack of a handler
// panic for the error envelope.
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%v", e.value)
}

func errorResponse(kind string, err error) []any {
	element := map[string]any{"error": kind}
	if err != nil {
		details := map[string]any{
			"message": err.Error(),
			"type":    errorTypeName(err),
		}
		var pe *panicError
		if errors.As(err, &pe) {
			details["traceback"] = pe.stack
		}
		element["details"] = details
	}
	return []any{element}
}

func errorTypeName(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return fmt.Sprintf("panic(%T)", pe.value)
	}
	return fmt.Sprintf("%T", err)
}

// parseOctalMode parses values like "0o660" or "660".
func parseOctalMode(s string) (os.FileMode, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(s), "0o")
	mode, err := strconv.ParseUint(trimmed, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid socket chmod %q: %w", s, err)
	}
	return os.FileMode(mode), nil
}
