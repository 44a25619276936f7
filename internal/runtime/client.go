package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Client errors the router discriminates on. A timeout becomes a
// timeout_error envelope; everything else on the socket is a transient
// connection_error and goes back to the broker for redelivery.
var (
	ErrTimeout    = errors.New("runtime request timed out")
	ErrConnection = errors.New("runtime connection failed")
)

// Client performs one framed request/response exchange with the runtime per
// call. Each invocation opens a fresh connection; the runtime serves one
// request per connection and the per-request deadline doubles as the
// sidecar's wall-clock timeout (closing the socket is what cancels a stuck
// handler).
type Client struct {
	socketPath string
	timeout    time.Duration
	chunkSize  int
}

// NewClient creates a runtime client for the given socket path. timeout
// bounds the whole exchange; zero means no deadline.
func NewClient(socketPath string, timeout time.Duration) *Client {
	return &Client{socketPath: socketPath, timeout: timeout, chunkSize: DefaultChunkSize}
}

// Invoke sends one envelope body and returns the runtime's response array.
func (c *Client) Invoke(ctx context.Context, body []byte) ([]json.RawMessage, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, c.classify(fmt.Errorf("dialing %s: %w", c.socketPath, err))
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Time{}
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	if !deadline.IsZero() {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("%w: setting deadline: %w", ErrConnection, err)
		}
	}

	if err := WriteMessage(conn, body); err != nil {
		return nil, c.classify(err)
	}
	data, err := ReadMessage(conn, c.chunkSize)
	if err != nil {
		return nil, c.classify(err)
	}

	var responses []json.RawMessage
	if err := json.Unmarshal(data, &responses); err != nil {
		return nil, fmt.Errorf("%w: decoding response array: %w", ErrConnection, err)
	}
	return responses, nil
}

func (c *Client) classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrConnection, err)
}
