package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsClient is the subset of the SQS API the transport needs; narrowed for
// mocking in tests.
type sqsClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// SQSTransport implements Transport on SQS. Receipt handles carry the queue
// URL alongside the SQS receipt ("url|receipt") so Ack and Nack need no
// extra lookup. SQS's ApproximateReceiveCount attribute provides the
// delivery counter the retry policy is bounded on.
type SQSTransport struct {
	client            sqsClient
	region            string
	visibilityTimeout int32
	waitTimeSeconds   int32

	cacheMu       sync.Mutex
	queueURLCache map[string]string
}

// NewSQSTransport loads AWS configuration from the environment. endpoint
// overrides the SQS endpoint for local stacks.
func NewSQSTransport(ctx context.Context, region, endpoint string, visibilityTimeout, waitTimeSeconds int32) (*SQSTransport, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &SQSTransport{
		client:            client,
		region:            region,
		visibilityTimeout: visibilityTimeout,
		waitTimeSeconds:   waitTimeSeconds,
		queueURLCache:     make(map[string]string),
	}, nil
}

func (t *SQSTransport) resolveQueueURL(ctx context.Context, queueName string) (string, error) {
	t.cacheMu.Lock()
	if url, ok := t.queueURLCache[queueName]; ok {
		t.cacheMu.Unlock()
		return url, nil
	}
	t.cacheMu.Unlock()

	out, err := t.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve queue URL for %s: %w", queueName, err)
	}
	url := aws.ToString(out.QueueUrl)

	t.cacheMu.Lock()
	t.queueURLCache[queueName] = url
	t.cacheMu.Unlock()
	return url, nil
}

// splitReceiptHandle splits the piped "queueURL|receipt" handle. The receipt
// itself may contain pipes, so only the first separator counts.
func splitReceiptHandle(handle interface{}) (queueURL, receipt string, err error) {
	s, ok := handle.(string)
	if !ok {
		return "", "", fmt.Errorf("invalid receipt handle type %T", handle)
	}
	idx := strings.Index(s, "|")
	if idx < 0 {
		return "", "", fmt.Errorf("malformed receipt handle %q", s)
	}
	return s[:idx], s[idx+1:], nil
}

// Receive long-polls the actor's queue for one message. ErrNoMessage means
// the window elapsed with an empty queue.
func (t *SQSTransport) Receive(ctx context.Context, actorName string) (QueueMessage, error) {
	queueURL, err := t.resolveQueueURL(ctx, QueueName(actorName))
	if err != nil {
		return QueueMessage{}, err
	}
	out, err := t.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queueURL),
		MaxNumberOfMessages:   1,
		WaitTimeSeconds:       t.waitTimeSeconds,
		VisibilityTimeout:     t.visibilityTimeout,
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return QueueMessage{}, fmt.Errorf("failed to receive from %s: %w", actorName, err)
	}
	if len(out.Messages) == 0 {
		return QueueMessage{}, ErrNoMessage
	}
	m := out.Messages[0]

	headers := make(map[string]string, len(m.MessageAttributes))
	for k, v := range m.MessageAttributes {
		headers[k] = aws.ToString(v.StringValue)
	}
	receiveCount := 1
	if raw, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			receiveCount = n
		}
	}
	return QueueMessage{
		ID:            aws.ToString(m.MessageId),
		Body:          []byte(aws.ToString(m.Body)),
		ReceiptHandle: queueURL + "|" + aws.ToString(m.ReceiptHandle),
		Headers:       headers,
		ReceiveCount:  receiveCount,
	}, nil
}

// Send publishes one message to the actor's queue. SendMessage only returns
// after SQS has durably stored the message, which is the confirm semantics
// the router relies on.
func (t *SQSTransport) Send(ctx context.Context, actorName string, body []byte) error {
	queueURL, err := t.resolveQueueURL(ctx, QueueName(actorName))
	if err != nil {
		return err
	}
	_, err = t.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send to %s: %w", actorName, err)
	}
	return nil
}

// Ack deletes the message.
func (t *SQSTransport) Ack(ctx context.Context, msg QueueMessage) error {
	queueURL, receipt, err := splitReceiptHandle(msg.ReceiptHandle)
	if err != nil {
		return err
	}
	_, err = t.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", msg.ID, err)
	}
	return nil
}

// Nack zeroes the visibility timeout so the message is redelivered
// immediately.
func (t *SQSTransport) Nack(ctx context.Context, msg QueueMessage) error {
	queueURL, receipt, err := splitReceiptHandle(msg.ReceiptHandle)
	if err != nil {
		return err
	}
	_, err = t.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("failed to nack message %s: %w", msg.ID, err)
	}
	return nil
}

// Close is a no-op; the SQS client holds no persistent connection.
func (t *SQSTransport) Close() error {
	return nil
}
