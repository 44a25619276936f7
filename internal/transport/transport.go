// Package transport bridges the sidecar to the broker. Implementations
// consume from per-step queues, publish with durable acknowledgement, and
// expose negative acknowledgement for the broker-level retry path.
package transport

import (
	"context"
	"errors"
)

// QueuePrefix is prepended to actor names to form queue names on every
// transport: actor "data-processor" consumes queue "anzu-data-processor".
const QueuePrefix = "anzu-"

// QueueName maps a transport-agnostic actor name onto its queue name.
func QueueName(actor string) string {
	return QueuePrefix + actor
}

// ErrNoMessage is returned by Receive when the queue is empty within the
// transport's polling window.
var ErrNoMessage = errors.New("no message available")

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

	// Send sends a message to the specified actor's queue. Implementations
	// must not return before the broker has durably accepted the message
	// (publisher confirms or the equivalent).
	Send(ctx context.Context, actorName string, body []byte) error

	// Ack acknowledges successful processing of a message
	Ack(ctx context.Context, msg QueueMessage) error

	// Nack negatively acknowledges a message (for retry)
	Nack(ctx context.Context, msg QueueMessage) error

	// Close closes the transport connection
	Close() error
}
