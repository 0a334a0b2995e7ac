// Package ingest turns submission messages into queue items, at most
// once per submission and integration.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/apperr"
	"github.com/lalithlochan/formsync/internal/db"
	"github.com/lalithlochan/formsync/internal/logstore"
	"github.com/lalithlochan/formsync/internal/metrics"
	"github.com/lalithlochan/formsync/internal/queue"
	"github.com/lalithlochan/formsync/internal/redis"
	"github.com/lalithlochan/formsync/internal/sqs"
)

// Deduper is the part of redis.IdempotencyService the ingestor uses.
type Deduper interface {
	Begin(ctx context.Context, integrationID, key string) (*redis.SubmissionRecord, error)
	Complete(ctx context.Context, integrationID, key string, rec redis.SubmissionRecord) error
	Abandon(ctx context.Context, integrationID, key string) error
}

// Source is the part of sqs.Queue the run loop uses.
type Source interface {
	Receive(ctx context.Context, limit int32) ([]sqs.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
	Postpone(ctx context.Context, receiptHandle string, seconds int32) error
}

// FormCatalog knows which forms exist. A missing form reports
// found=false.
type FormCatalog interface {
	FormFields(ctx context.Context, formID int64) ([]string, bool, error)
}

// StatsInvalidator drops cached queue statistics.
type StatsInvalidator interface {
	Invalidate(ctx context.Context)
}

// Result reports what Ingest did with one message.
type Result struct {
	QueueItemID int64
	Duplicate   bool
}

// Ingestor enqueues submissions.
type Ingestor struct {
	queue  queue.Store
	dedup  Deduper
	logs   logstore.Store
	logger *zap.Logger

	// DefaultIntegrationID applies to messages without one.
	DefaultIntegrationID string
	// RetryDelay postpones messages that failed transiently.
	RetryDelay time.Duration
	// Forms rejects submissions for unknown forms when set.
	Forms FormCatalog
	// Stats is invalidated after every enqueue when set.
	Stats StatsInvalidator
}

// New creates an ingestor. dedup and logs may be nil.
func New(q queue.Store, dedup Deduper, logs logstore.Store, integrationID string, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		queue:                q,
		dedup:                dedup,
		logs:                 logs,
		logger:               logger,
		DefaultIntegrationID: integrationID,
		RetryDelay:           30 * time.Second,
	}
}

// Ingest enqueues msg unless the same submission was already enqueued.
// Validation errors are permanent; anything else may be retried.
func (in *Ingestor) Ingest(ctx context.Context, msg *sqs.SubmissionMessage) (Result, error) {
	integrationID := msg.IntegrationID
	if integrationID == "" {
		integrationID = in.DefaultIntegrationID
	}
	if integrationID == "" {
		return Result{}, apperr.Validation("ingest", "integration_id is required")
	}
	// Queue items carry no integration; the dispatcher delivers
	// everything to the configured one.
	if in.DefaultIntegrationID != "" && integrationID != in.DefaultIntegrationID {
		return Result{}, apperr.Validation("ingest",
			fmt.Sprintf("integration_id %q is not served here, expected %q", integrationID, in.DefaultIntegrationID))
	}

	if in.Forms != nil {
		_, found, err := in.Forms.FormFields(ctx, msg.FormID)
		if err != nil {
			return Result{}, fmt.Errorf("look up form %d: %w", msg.FormID, err)
		}
		if !found {
			return Result{}, apperr.Validation("ingest", fmt.Sprintf("form %d is not registered", msg.FormID))
		}
	}

	key := msg.DedupKey()
	if in.dedup != nil && key != "" {
		rec, err := in.dedup.Begin(ctx, integrationID, key)
		if err != nil {
			return Result{}, err
		}
		if rec != nil {
			metrics.RecordDuplicateSubmission()
			in.logger.Info("duplicate submission skipped",
				zap.String("integration_id", integrationID),
				zap.String("key", key),
				zap.Int64("queue_item_id", rec.QueueItemID),
			)
			return Result{QueueItemID: rec.QueueItemID, Duplicate: true}, nil
		}
	}

	item := &db.QueueItem{
		FormID:       msg.FormID,
		SubmissionID: msg.SubmissionID,
		ListID:       msg.ListID,
		Payload:      msg.Payload,
		Priority:     msg.Priority,
	}
	id, err := in.queue.Enqueue(ctx, item)
	if err != nil {
		if in.dedup != nil && key != "" {
			if abandonErr := in.dedup.Abandon(ctx, integrationID, key); abandonErr != nil {
				in.logger.Warn("failed to release submission reservation", zap.String("key", key), zap.Error(abandonErr))
			}
		}
		return Result{}, err
	}
	metrics.RecordEnqueued("sqs")
	if in.Stats != nil {
		in.Stats.Invalidate(ctx)
	}

	if in.dedup != nil && key != "" {
		if err := in.dedup.Complete(ctx, integrationID, key, redis.SubmissionRecord{QueueItemID: id}); err != nil {
			// The item is queued; a redelivery within the reservation TTL is still blocked.
			in.logger.Warn("failed to record submission", zap.String("key", key), zap.Error(err))
		}
	}

	logstore.Record(ctx, in.logs, in.logger, &db.LogEntry{
		FormID:        msg.FormID,
		SubmissionID:  msg.SubmissionID,
		IntegrationID: integrationID,
		Status:        db.LogInfo,
		Message:       "Submission queued for delivery",
	})
	return Result{QueueItemID: id}, nil
}

// Run polls src until ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context, src Source) error {
	in.logger.Info("submission ingestion started")
	for {
		select {
		case <-ctx.Done():
			in.logger.Info("submission ingestion stopped")
			return nil
		default:
		}

		if err := in.PollOnce(ctx, src); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			in.logger.Error("sqs poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// PollOnce receives one batch and handles every message in it.
func (in *Ingestor) PollOnce(ctx context.Context, src Source) error {
	batch, err := src.Receive(ctx, 10)
	if err != nil {
		return err
	}

	metrics.SetSQSMessagesInFlight(len(batch))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, r := range batch {
		in.handle(ctx, src, r)
	}
	return nil
}

func (in *Ingestor) handle(ctx context.Context, src Source, r sqs.Received) {
	if r.Err != nil {
		in.logger.Error("dropping malformed message", zap.String("message_id", r.MessageID), zap.Error(r.Err))
		in.ack(ctx, src, r)
		return
	}

	res, err := in.Ingest(ctx, r.Message)
	switch {
	case err == nil:
		in.ack(ctx, src, r)
		in.logger.Debug("message ingested",
			zap.String("message_id", r.MessageID),
			zap.Int64("queue_item_id", res.QueueItemID),
			zap.Bool("duplicate", res.Duplicate),
		)
	case apperr.Is(err, apperr.KindValidation):
		in.logger.Error("dropping invalid submission", zap.String("message_id", r.MessageID), zap.Error(err))
		in.ack(ctx, src, r)
	default:
		in.logger.Warn("submission not ingested, will retry",
			zap.String("message_id", r.MessageID),
			zap.Int("receive_count", r.ReceiveCount),
			zap.Error(err),
		)
		if err := src.Postpone(ctx, r.ReceiptHandle, int32(in.RetryDelay.Seconds())); err != nil {
			in.logger.Warn("failed to postpone message", zap.String("message_id", r.MessageID), zap.Error(err))
		}
	}
}

func (in *Ingestor) ack(ctx context.Context, src Source, r sqs.Received) {
	if err := src.Delete(ctx, r.ReceiptHandle); err != nil {
		in.logger.Warn("failed to delete message", zap.String("message_id", r.MessageID), zap.Error(err))
	}
}
