package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// SubmissionTTL is how long a delivered submission stays remembered.
	SubmissionTTL = 24 * time.Hour

	// reservationTTL bounds a reservation whose holder died mid-enqueue.
	reservationTTL = 5 * time.Minute

	reservedMarker = "reserved"
)

// ErrSubmissionInFlight means another consumer holds the submission.
var ErrSubmissionInFlight = errors.New("submission is being enqueued by another consumer")

// SubmissionRecord is what a completed reservation remembers.
type SubmissionRecord struct {
	QueueItemID int64 `json:"queue_item_id"`
	EnqueuedAt  int64 `json:"enqueued_at"`
}

// IdempotencyService keeps a submission from being enqueued twice for
// the same integration when the ingestion queue redelivers it.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func submissionKey(integrationID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", integrationID, key)
}

// Begin reserves key. It returns (nil, nil) when the caller now owns
// the submission, the stored record when it was already enqueued, or
// ErrSubmissionInFlight while someone else holds the reservation.
func (s *IdempotencyService) Begin(ctx context.Context, integrationID, key string) (*SubmissionRecord, error) {
	k := submissionKey(integrationID, key)

	reserved, err := s.client.rdb.SetNX(ctx, k, reservedMarker, reservationTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if reserved {
		return nil, nil
	}

	val, err := s.client.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; let the redelivery try again.
		return nil, ErrSubmissionInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if val == reservedMarker {
		return nil, ErrSubmissionInFlight
	}

	var rec SubmissionRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		s.logger.Error("invalid submission record", zap.String("key", k), zap.Error(err))
		return nil, fmt.Errorf("invalid submission record: %w", err)
	}

	s.logger.Debug("duplicate submission",
		zap.String("integration_id", integrationID),
		zap.Int64("queue_item_id", rec.QueueItemID),
	)
	return &rec, nil
}

// Complete replaces the reservation with the enqueue result.
func (s *IdempotencyService) Complete(ctx context.Context, integrationID, key string, rec SubmissionRecord) error {
	if rec.EnqueuedAt == 0 {
		rec.EnqueuedAt = time.Now().Unix()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal submission record: %w", err)
	}
	if err := s.client.rdb.Set(ctx, submissionKey(integrationID, key), data, SubmissionTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Abandon drops a reservation so a redelivered message can retry.
func (s *IdempotencyService) Abandon(ctx context.Context, integrationID, key string) error {
	if err := s.client.rdb.Del(ctx, submissionKey(integrationID, key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
