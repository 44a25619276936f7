// Package transport exposes the queue transport contract for consumers of
// the module, mirroring the internal interface the sidecar runs on.
package transport

import (
	"context"
)

// QueueMessage represents a message received from a queue
type QueueMessage struct {
	ID            string
	Body          []byte
	ReceiptHandle interface{}       // Transport-specific receipt handle
	Headers       map[string]string // User-defined metadata (protocol-level headers)
	ReceiveCount  int               // Delivery attempts including this one, 1 when unknown
}

// Transport defines the interface for queue transport implementations
type Transport interface {
	// Receive receives a message from the specified actor's queue
	Receive(ctx context.Context, actorName string) (QueueMessage, error)

	// Send sends a message to the specified actor's queue
	Send(ctx context.Context, actorName string, body []byte) error

	// Ack acknowledges successful processing of a message
	Ack(ctx context.Context, msg QueueMessage) error

	// Nack negatively acknowledges a message (for retry)
	Nack(ctx context.Context, msg QueueMessage) error

	// Close closes the transport connection
	Close() error
}
