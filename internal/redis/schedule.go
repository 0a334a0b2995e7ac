package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/recovery"
)

const retryScheduleKey = "recovery:schedule"

// RetrySchedule keeps deferred retries in a sorted set scored by due
// time. Members are the JSON-encoded entries.
type RetrySchedule struct {
	client *Client
	logger *zap.Logger
}

// NewRetrySchedule creates a Redis-backed retry schedule.
func NewRetrySchedule(client *Client, logger *zap.Logger) *RetrySchedule {
	return &RetrySchedule{client: client, logger: logger}
}

// Add schedules an entry. Adding the same entry twice is a no-op.
func (s *RetrySchedule) Add(ctx context.Context, e recovery.Entry) error {
	member, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal retry entry: %w", err)
	}

	err = s.client.rdb.ZAdd(ctx, retryScheduleKey, redis.Z{
		Score:  float64(e.ScheduledAt.UnixMilli()),
		Member: string(member),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis zadd failed: %w", err)
	}
	return nil
}

// TakeDue returns entries due at or before now. Each entry is claimed
// with ZREM; only the caller whose ZREM removed it gets it back.
func (s *RetrySchedule) TakeDue(ctx context.Context, now time.Time, limit int) ([]recovery.Entry, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	members, err := s.client.rdb.ZRangeByScore(ctx, retryScheduleKey, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore failed: %w", err)
	}

	entries := make([]recovery.Entry, 0, len(members))
	for _, member := range members {
		removed, err := s.client.rdb.ZRem(ctx, retryScheduleKey, member).Result()
		if err != nil {
			return entries, fmt.Errorf("redis zrem failed: %w", err)
		}
		if removed == 0 {
			continue
		}

		var e recovery.Entry
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			s.logger.Error("dropping undecodable retry entry", zap.String("member", member), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Len reports the number of scheduled entries.
func (s *RetrySchedule) Len(ctx context.Context) (int64, error) {
	n, err := s.client.rdb.ZCard(ctx, retryScheduleKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard failed: %w", err)
	}
	return n, nil
}
