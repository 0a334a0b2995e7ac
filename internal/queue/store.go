// Package queue is the persistent store of pending delivery jobs.
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lalithlochan/formsync/internal/apperr"
	"github.com/lalithlochan/formsync/internal/db"
)

// Store owns the batch_queue rows. The dispatcher and recovery engine
// mutate items only through it.
type Store interface {
	Enqueue(ctx context.Context, item *db.QueueItem) (int64, error)
	ClaimBatch(ctx context.Context, maxSize int) ([]*db.QueueItem, error)
	Get(ctx context.Context, id int64) (*db.QueueItem, error)
	MarkStatus(ctx context.Context, ids []int64, status string, errorMsg *string) error
	IncrementRetry(ctx context.Context, id int64, newCount int) error
	SetRemoteBatchID(ctx context.Context, id int64, remoteID string) error
	Statistics(ctx context.Context) (db.QueueStatistics, error)
	RetryAllFailed(ctx context.Context) (int64, error)
	PurgeTerminal(ctx context.Context, olderThanDays int) (int64, error)
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

var validate = validator.New()

func validateItem(item *db.QueueItem) error {
	if item == nil {
		return apperr.Validation("enqueue", "queue item is required")
	}
	if strings.TrimSpace(item.ListID) == "" {
		return apperr.Validation("enqueue", "target_list_id is required")
	}
	if err := validate.Struct(item); err != nil {
		return apperr.Validation("enqueue", "payload is required")
	}
	if isEmptyPayload(item.Payload) {
		return apperr.Validation("enqueue", "payload is required")
	}
	if !json.Valid(item.Payload) {
		return apperr.Validation("enqueue", "payload must be valid JSON")
	}
	return nil
}

func isEmptyPayload(p json.RawMessage) bool {
	switch strings.TrimSpace(string(p)) {
	case "", "null", "{}", "[]", `""`:
		return true
	}
	return false
}

func validateStatus(op, status string) error {
	if !db.ValidQueueStatus(status) {
		return apperr.Validation(op, "unknown status "+status)
	}
	return nil
}

// sortForDispatch orders items by priority DESC, created_at ASC, id ASC.
func sortForDispatch(items []*db.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
