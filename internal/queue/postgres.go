package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/apperr"
	"github.com/lalithlochan/formsync/internal/db"
)

const itemColumns = `
	id, form_id, submission_id, list_id, subscriber_data,
	status, priority, retry_count, error_message, remote_batch_id,
	created_at, updated_at`

// ErrNotFound is returned when a queue item does not exist.
var ErrNotFound = errors.New("queue item not found")

// PostgresStore handles batch_queue operations
type PostgresStore struct {
	db     *db.DB
	logger *zap.Logger
}

// NewPostgresStore creates a new queue store
func NewPostgresStore(database *db.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     database,
		logger: logger,
	}
}

// Enqueue inserts a new pending item and returns its id
func (s *PostgresStore) Enqueue(ctx context.Context, item *db.QueueItem) (int64, error) {
	if err := validateItem(item); err != nil {
		return 0, err
	}

	query := `
		INSERT INTO batch_queue (
			form_id, submission_id, list_id, subscriber_data,
			status, priority, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, 0)
		RETURNING id, created_at, updated_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		item.FormID,
		item.SubmissionID,
		item.ListID,
		item.Payload,
		db.StatusPending,
		item.Priority,
	).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		s.logger.Error("failed to enqueue item",
			zap.Error(err),
			zap.Int64("form_id", item.FormID),
			zap.String("list_id", item.ListID),
		)
		return 0, apperr.Store("enqueue", fmt.Errorf("insert queue item: %w", err))
	}

	item.Status = db.StatusPending
	item.RetryCount = 0

	s.logger.Info("queue item enqueued",
		zap.Int64("id", item.ID),
		zap.Int64("form_id", item.FormID),
		zap.String("list_id", item.ListID),
		zap.Int("priority", item.Priority),
	)

	return item.ID, nil
}

// ClaimBatch selects eligible items and moves them to processing in one
// statement. SKIP LOCKED keeps concurrent claimers from blocking on or
// double-claiming the same rows.
func (s *PostgresStore) ClaimBatch(ctx context.Context, maxSize int) ([]*db.QueueItem, error) {
	if maxSize <= 0 {
		return []*db.QueueItem{}, nil
	}

	query := `
		WITH claimable AS (
			SELECT id
			FROM batch_queue
			WHERE status IN ('pending', 'retrying')
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE batch_queue q
		SET status = 'processing', updated_at = NOW()
		FROM claimable c
		WHERE q.id = c.id
		RETURNING q.id, q.form_id, q.submission_id, q.list_id, q.subscriber_data,
			q.status, q.priority, q.retry_count, q.error_message, q.remote_batch_id,
			q.created_at, q.updated_at
	`

	rows, err := s.db.Pool().Query(ctx, query, maxSize)
	if err != nil {
		if db.IsUndefinedTable(err) {
			s.logger.Warn("batch_queue not provisioned, nothing to claim")
			return []*db.QueueItem{}, nil
		}
		return nil, apperr.Store("claim batch", fmt.Errorf("claim queue items: %w", err))
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, apperr.Store("claim batch", err)
	}

	// RETURNING does not preserve the CTE order.
	sortForDispatch(items)
	return items, nil
}

// Get retrieves a queue item by id
func (s *PostgresStore) Get(ctx context.Context, id int64) (*db.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM batch_queue WHERE id = $1`

	rows, err := s.db.Pool().Query(ctx, query, id)
	if err != nil {
		return nil, apperr.Store("get queue item", fmt.Errorf("query queue item: %w", err))
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, apperr.Store("get queue item", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return items[0], nil
}

// MarkStatus updates the status and error message of a set of items.
// Completed and failed items are left untouched; only RetryAllFailed
// reopens them.
func (s *PostgresStore) MarkStatus(ctx context.Context, ids []int64, status string, errorMsg *string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := validateStatus("mark status", status); err != nil {
		return err
	}

	query := `
		UPDATE batch_queue
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = ANY($3)
		  AND status NOT IN ('completed', 'failed')
	`

	result, err := s.db.Pool().Exec(ctx, query, status, errorMsg, ids)
	if err != nil {
		s.logger.Error("failed to update queue status",
			zap.Error(err),
			zap.Int64s("ids", ids),
			zap.String("status", status),
		)
		return apperr.Store("mark status", fmt.Errorf("update queue status: %w", err))
	}

	s.logger.Debug("queue items updated",
		zap.Int64s("ids", ids),
		zap.String("status", status),
		zap.Int64("rows", result.RowsAffected()),
	)
	return nil
}

// IncrementRetry stores a new retry count; counts never move backwards.
func (s *PostgresStore) IncrementRetry(ctx context.Context, id int64, newCount int) error {
	query := `
		UPDATE batch_queue
		SET retry_count = $1, updated_at = NOW()
		WHERE id = $2 AND retry_count <= $1
	`

	result, err := s.db.Pool().Exec(ctx, query, newCount, id)
	if err != nil {
		return apperr.Store("increment retry", fmt.Errorf("update retry count: %w", err))
	}
	if result.RowsAffected() == 0 {
		return apperr.Validation("increment retry",
			fmt.Sprintf("queue item %d missing or retry count above %d", id, newCount))
	}
	return nil
}

// SetRemoteBatchID records the id assigned by the external API
func (s *PostgresStore) SetRemoteBatchID(ctx context.Context, id int64, remoteID string) error {
	query := `UPDATE batch_queue SET remote_batch_id = $1, updated_at = NOW() WHERE id = $2`

	result, err := s.db.Pool().Exec(ctx, query, remoteID, id)
	if err != nil {
		return apperr.Store("set remote batch id", fmt.Errorf("update remote batch id: %w", err))
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// Statistics counts items by status
func (s *PostgresStore) Statistics(ctx context.Context) (db.QueueStatistics, error) {
	var stats db.QueueStatistics

	rows, err := s.db.Pool().Query(ctx, `SELECT status, COUNT(*) FROM batch_queue GROUP BY status`)
	if err != nil {
		if db.IsUndefinedTable(err) {
			s.logger.Warn("batch_queue not provisioned, reporting empty statistics")
			return stats, nil
		}
		return stats, apperr.Store("queue statistics", fmt.Errorf("count queue items: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return stats, apperr.Store("queue statistics", fmt.Errorf("scan count: %w", err))
		}
		stats.Add(status, n)
	}
	if err := rows.Err(); err != nil {
		return stats, apperr.Store("queue statistics", fmt.Errorf("iterate rows: %w", err))
	}
	return stats, nil
}

// RetryAllFailed resets every failed item to pending with a fresh retry budget
func (s *PostgresStore) RetryAllFailed(ctx context.Context) (int64, error) {
	query := `
		UPDATE batch_queue
		SET status = 'pending', retry_count = 0, error_message = NULL, updated_at = NOW()
		WHERE status = 'failed'
	`

	result, err := s.db.Pool().Exec(ctx, query)
	if err != nil {
		return 0, apperr.Store("retry failed", fmt.Errorf("reset failed items: %w", err))
	}

	s.logger.Info("failed queue items reset", zap.Int64("count", result.RowsAffected()))
	return result.RowsAffected(), nil
}

// PurgeTerminal deletes completed and failed items older than the cutoff
func (s *PostgresStore) PurgeTerminal(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, apperr.Validation("purge terminal", "older_than_days must not be negative")
	}

	query := `
		DELETE FROM batch_queue
		WHERE status IN ('completed', 'failed')
		AND updated_at < NOW() - make_interval(days => $1)
	`

	result, err := s.db.Pool().Exec(ctx, query, olderThanDays)
	if err != nil {
		return 0, apperr.Store("purge terminal", fmt.Errorf("delete terminal items: %w", err))
	}
	return result.RowsAffected(), nil
}

// ReleaseStale returns items stuck in processing to retrying
func (s *PostgresStore) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE batch_queue
		SET status = 'retrying', updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1
	`

	result, err := s.db.Pool().Exec(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, apperr.Store("release stale", fmt.Errorf("release stale items: %w", err))
	}
	if n := result.RowsAffected(); n > 0 {
		s.logger.Warn("released stale processing items", zap.Int64("count", n))
	}
	return result.RowsAffected(), nil
}

func scanItems(rows pgx.Rows) ([]*db.QueueItem, error) {
	items := []*db.QueueItem{}
	for rows.Next() {
		var item db.QueueItem
		err := rows.Scan(
			&item.ID,
			&item.FormID,
			&item.SubmissionID,
			&item.ListID,
			&item.Payload,
			&item.Status,
			&item.Priority,
			&item.RetryCount,
			&item.ErrorMessage,
			&item.RemoteBatchID,
			&item.CreatedAt,
			&item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}
