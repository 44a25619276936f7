package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQTransport consumes and publishes through a single long-lived
// connection. The publish channel runs in confirm mode so Send blocks until
// the broker has durably accepted the message; the consume channel carries
// the prefetch window that provides backpressure.
//
// Queue topology follows the shared convention: durable queue
// "anzu-<actor>" bound to a durable topic exchange with the bare actor name
// as routing key.
type RabbitMQTransport struct {
	conn      *amqp.Connection
	publishCh *amqp.Channel
	consumeCh *amqp.Channel
	exchange  string
	prefetch  int

	mu         sync.Mutex
	deliveries map[string]<-chan amqp.Delivery
}

// NewRabbitMQTransport dials the broker with retry so the sidecar survives
// broker restarts and ordering races during deployment.
func NewRabbitMQTransport(url, exchange string, prefetch int) (*RabbitMQTransport, error) {
	var conn *amqp.Connection
	var err error
	maxRetries := 5
	initialBackoff := 1 * time.Second

	for attempt := 0; attempt < maxRetries; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		if attempt < maxRetries-1 {
			backoff := initialBackoff * (1 << uint(attempt))
			slog.Warn("Failed to connect to RabbitMQ, retrying",
				"attempt", attempt+1,
				"maxRetries", maxRetries,
				"backoff", backoff,
				"error", err)
			time.Sleep(backoff)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}
	slog.Info("Connected to RabbitMQ successfully")

	t := &RabbitMQTransport{
		conn:       conn,
		exchange:   exchange,
		prefetch:   prefetch,
		deliveries: make(map[string]<-chan amqp.Delivery),
	}
	if t.publishCh, err = t.newChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err = t.publishCh.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	if t.consumeCh, err = t.newChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err = t.consumeCh.Qos(prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	return t, nil
}

func (t *RabbitMQTransport) newChannel() (*amqp.Channel, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		t.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return ch, nil
}

// declareAndBind is idempotent and runs before both consuming and
// publishing, so messages published before any consumer exists still land
// in a durable queue.
func (t *RabbitMQTransport) declareAndBind(ch *amqp.Channel, actorName string) (string, error) {
	queueName := QueueName(actorName)
	_, err := ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}
	err = ch.QueueBind(
		queueName,  // queue name
		actorName,  // routing key
		t.exchange, // exchange
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		return "", fmt.Errorf("failed to bind queue %s: %w", queueName, err)
	}
	return queueName, nil
}

// Receive delivers the next message from the actor's queue, blocking until
// one arrives or ctx is done.
func (t *RabbitMQTransport) Receive(ctx context.Context, actorName string) (QueueMessage, error) {
	deliveries, err := t.consumer(actorName)
	if err != nil {
		return QueueMessage{}, err
	}
	select {
	case delivery, ok := <-deliveries:
		if !ok {
			// Channel or connection went away; drop the consumer so the
			// next Receive re-establishes it.
			t.mu.Lock()
			delete(t.deliveries, actorName)
			t.mu.Unlock()
			return QueueMessage{}, fmt.Errorf("consumer for %s closed: %w", actorName, ErrNoMessage)
		}
		return toQueueMessage(delivery), nil
	case <-ctx.Done():
		return QueueMessage{}, ctx.Err()
	}
}

func (t *RabbitMQTransport) consumer(actorName string) (<-chan amqp.Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if deliveries, ok := t.deliveries[actorName]; ok {
		return deliveries, nil
	}
	queueName, err := t.declareAndBind(t.consumeCh, actorName)
	if err != nil {
		return nil, err
	}
	deliveries, err := t.consumeCh.Consume(
		queueName, // queue
		"",        // consumer tag
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %s: %w", queueName, err)
	}
	t.deliveries[actorName] = deliveries
	return deliveries, nil
}

func toQueueMessage(delivery amqp.Delivery) QueueMessage {
	id := delivery.MessageId
	if id == "" {
		id = uuid.NewString()
	}
	headers := make(map[string]string, len(delivery.Headers))
	for k, v := range delivery.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return QueueMessage{
		ID:            id,
		Body:          delivery.Body,
		ReceiptHandle: delivery,
		Headers:       headers,
		ReceiveCount:  receiveCount(delivery),
	}
}

// receiveCount derives the delivery attempt from AMQP metadata. x-death is
// authoritative when a dead-letter cycle is configured; the redelivered
// flag only distinguishes first from not-first, so retry bounding on plain
// requeue is coarser on RabbitMQ than on SQS.
func receiveCount(delivery amqp.Delivery) int {
	if deaths, ok := delivery.Headers["x-death"].([]interface{}); ok {
		var total int64
		for _, d := range deaths {
			table, ok := d.(amqp.Table)
			if !ok {
				continue
			}
			if count, ok := table["count"].(int64); ok {
				total += count
			}
		}
		if total > 0 {
			return int(total) + 1
		}
	}
	if delivery.Redelivered {
		return 2
	}
	return 1
}

// Send publishes to the actor's queue and waits for the broker's confirm.
func (t *RabbitMQTransport) Send(ctx context.Context, actorName string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.declareAndBind(t.publishCh, actorName); err != nil {
		return err
	}
	confirmation, err := t.publishCh.PublishWithDeferredConfirmWithContext(ctx,
		t.exchange, // exchange
		actorName,  // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    uuid.NewString(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", actorName, err)
	}
	if !confirmation.Wait() {
		return fmt.Errorf("broker rejected publish to %s", actorName)
	}
	return nil
}

// Ack acknowledges a message
func (t *RabbitMQTransport) Ack(ctx context.Context, msg QueueMessage) error {
	delivery, ok := msg.ReceiptHandle.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("invalid receipt handle type %T", msg.ReceiptHandle)
	}
	return delivery.Ack(false)
}

// Nack returns a message to the queue for redelivery
func (t *RabbitMQTransport) Nack(ctx context.Context, msg QueueMessage) error {
	delivery, ok := msg.ReceiptHandle.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("invalid receipt handle type %T", msg.ReceiptHandle)
	}
	return delivery.Nack(false, true)
}

// Close closes the channels and connection.
func (t *RabbitMQTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publishCh != nil {
		_ = t.publishCh.Close()
	}
	if t.consumeCh != nil {
		_ = t.consumeCh.Close()
	}
	if t.conn != nil && !t.conn.IsClosed() {
		return t.conn.Close()
	}
	return nil
}
