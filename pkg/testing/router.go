// Package testing provides a mock transport and a preconfigured router
// harness for integration-testing actors against a live runtime socket.
package testing

import (
	"context"
	"time"

	"github.com/anzu-project/anzu/internal/config"
	"github.com/anzu-project/anzu/internal/router"
	"github.com/anzu-project/anzu/internal/runtime"
	internaltransport "github.com/anzu-project/anzu/internal/transport"
	"github.com/anzu-project/anzu/pkg/transport"
)

// EnvelopeProcessor is the interface for processing envelopes
type EnvelopeProcessor interface {
	ProcessEnvelope(ctx context.Context, msg transport.QueueMessage) error
}

// NewTestRouter creates a router for testing with the given configuration
func NewTestRouter(socketPath string, timeout time.Duration, mockTransport *MockTransport) EnvelopeProcessor {
	runtimeClient := runtime.NewClient(socketPath, timeout)

	cfg := &config.Config{
		ActorName:     "test-actor",
		Transport:     config.TransportRabbitMQ,
		HappyEndQueue: "happy-end",
		ErrorEndQueue: "error-end",
		SocketPath:    socketPath,
		Timeout:       timeout,
		MaxRetries:    3,
	}

	adapter := &mockTransportAdapter{mock: mockTransport}
	r := router.NewRouter(cfg, adapter, runtimeClient, nil)
	return &envelopeProcessor{router: r}
}

// envelopeProcessor adapts the internal router to the public EnvelopeProcessor interface
type envelopeProcessor struct {
	router *router.Router
}

func (ep *envelopeProcessor) ProcessEnvelope(ctx context.Context, msg transport.QueueMessage) error {
	internalMsg := internaltransport.QueueMessage{
		ID:            msg.ID,
		Body:          msg.Body,
		ReceiptHandle: msg.ReceiptHandle,
		Headers:       msg.Headers,
		ReceiveCount:  msg.ReceiveCount,
	}
	return ep.router.ProcessEnvelope(ctx, internalMsg)
}

// mockTransportAdapter adapts the public MockTransport to internal transport.Transport
type mockTransportAdapter struct {
	mock *MockTransport
}

func (mta *mockTransportAdapter) Receive(ctx context.Context, actorName string) (internaltransport.QueueMessage, error) {
	msg, err := mta.mock.Receive(ctx, actorName)
	if err != nil {
		return internaltransport.QueueMessage{}, err
	}
	return internaltransport.QueueMessage{
		ID:            msg.ID,
		Body:          msg.Body,
		ReceiptHandle: msg.ReceiptHandle,
		Headers:       msg.Headers,
		ReceiveCount:  msg.ReceiveCount,
	}, nil
}

func (mta *mockTransportAdapter) Send(ctx context.Context, actorName string, body []byte) error {
	return mta.mock.Send(ctx, actorName, body)
}

func (mta *mockTransportAdapter) Ack(ctx context.Context, msg internaltransport.QueueMessage) error {
	return mta.mock.Ack(ctx, toPublic(msg))
}

func (mta *mockTransportAdapter) Nack(ctx context.Context, msg internaltransport.QueueMessage) error {
	return mta.mock.Nack(ctx, toPublic(msg))
}

func (mta *mockTransportAdapter) Close() error {
	return mta.mock.Close()
}

func toPublic(msg internaltransport.QueueMessage) transport.QueueMessage {
	return transport.QueueMessage{
		ID:            msg.ID,
		Body:          msg.Body,
		ReceiptHandle: msg.ReceiptHandle,
		Headers:       msg.Headers,
		ReceiveCount:  msg.ReceiveCount,
	}
}
