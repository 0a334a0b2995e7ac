// Package sqs carries form submissions from the site to the dispatcher
// through an SQS queue.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// WaitSeconds is the long-poll duration, at most 20.
	WaitSeconds int32
	// VisibilitySeconds hides a received message from other consumers.
	VisibilitySeconds int32
}

// SubmissionMessage is one form submission bound for an integration.
type SubmissionMessage struct {
	// Key deduplicates redeliveries; defaults to the submission id.
	Key           string          `json:"key,omitempty"`
	IntegrationID string          `json:"integration_id"`
	FormID        int64           `json:"form_id"`
	SubmissionID  *int64          `json:"submission_id,omitempty"`
	ListID        string          `json:"list_id"`
	Priority      int             `json:"priority"`
	Payload       json.RawMessage `json:"payload"`
	SubmittedAt   int64           `json:"submitted_at"`
}

// DedupKey is the idempotency key of the message, empty when the
// message carries neither a key nor a submission id.
func (m *SubmissionMessage) DedupKey() string {
	if m.Key != "" {
		return m.Key
	}
	if m.SubmissionID != nil {
		return fmt.Sprintf("form-%d-submission-%d", m.FormID, *m.SubmissionID)
	}
	return ""
}

// ErrMalformed marks a message body that can never be processed.
var ErrMalformed = errors.New("malformed submission message")

// Received is a message plus the handle needed to acknowledge it.
type Received struct {
	MessageID     string
	ReceiptHandle string
	ReceiveCount  int
	Message       *SubmissionMessage
	// Err is set instead of Message when the body did not decode.
	Err error
}

type api interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Queue publishes and consumes submission messages.
type Queue struct {
	client api
	cfg    Config
	logger *zap.Logger
}

// New loads the default AWS configuration and connects to the queue.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs queue url is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs queue initialized", zap.String("queue_url", cfg.QueueURL))
	return newQueue(sqs.NewFromConfig(awsCfg), cfg, logger), nil
}

func newQueue(client api, cfg Config, logger *zap.Logger) *Queue {
	if cfg.WaitSeconds <= 0 || cfg.WaitSeconds > 20 {
		cfg.WaitSeconds = 20
	}
	if cfg.VisibilitySeconds <= 0 {
		cfg.VisibilitySeconds = 60
	}
	return &Queue{client: client, cfg: cfg, logger: logger}
}

// Publish sends one submission and returns the SQS message id.
func (q *Queue) Publish(ctx context.Context, msg *SubmissionMessage) (string, error) {
	if msg.SubmittedAt == 0 {
		msg.SubmittedAt = time.Now().Unix()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.QueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"integration_id": {DataType: aws.String("String"), StringValue: aws.String(msg.IntegrationID)},
		},
	})
	if err != nil {
		q.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("integration_id", msg.IntegrationID),
			zap.Int64("form_id", msg.FormID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// Receive long-polls for up to limit messages. Undecodable bodies are
// returned with Err set so the caller can drop them.
func (q *Queue) Receive(ctx context.Context, limit int32) ([]Received, error) {
	if limit <= 0 || limit > 10 {
		limit = 10
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.cfg.QueueURL),
		MaxNumberOfMessages: limit,
		WaitTimeSeconds:     q.cfg.WaitSeconds,
		VisibilityTimeout:   q.cfg.VisibilitySeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	received := make([]Received, 0, len(out.Messages))
	for _, m := range out.Messages {
		r := Received{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			ReceiveCount:  1,
		}
		if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
			r.ReceiveCount = n
		}

		var msg SubmissionMessage
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg); err != nil {
			r.Err = fmt.Errorf("%w: %v", ErrMalformed, err)
		} else {
			r.Message = &msg
		}
		received = append(received, r)
	}
	return received, nil
}

// Delete acknowledges a processed message.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// Postpone makes a message visible again after seconds.
func (q *Queue) Postpone(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.cfg.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
