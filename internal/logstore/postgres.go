package logstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/apperr"
	"github.com/lalithlochan/formsync/internal/db"
)

// PostgresStore handles integration_logs and analytics_events operations
type PostgresStore struct {
	db     *db.DB
	logger *zap.Logger
}

// NewPostgresStore creates a new log store
func NewPostgresStore(database *db.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     database,
		logger: logger,
	}
}

// Append inserts a log entry and returns its id
func (s *PostgresStore) Append(ctx context.Context, entry *db.LogEntry) (int64, error) {
	if err := validateEntry(entry); err != nil {
		return 0, err
	}

	query := `
		INSERT INTO integration_logs (
			form_id, submission_id, integration_id, status, message, data
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	var data any
	if len(entry.Data) > 0 {
		data = entry.Data
	}

	err := s.db.Pool().QueryRow(ctx, query,
		entry.FormID,
		entry.SubmissionID,
		entry.IntegrationID,
		entry.Status,
		entry.Message,
		data,
	).Scan(&entry.ID, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return 0, apperr.Store("append log", fmt.Errorf("insert log entry: %w", err))
	}
	return entry.ID, nil
}

// where builds the WHERE clause for f. Only values are parameterized;
// column names are fixed.
func where(f Filters) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.IntegrationID != "" {
		add("integration_id = $%d", f.IntegrationID)
	}
	if f.FormID != 0 {
		add("form_id = $%d", f.FormID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if !f.DateFrom.IsZero() {
		add("created_at >= $%d", f.DateFrom)
	}
	if !f.DateTo.IsZero() {
		add("created_at <= $%d", f.DateTo)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns matching entries newest first
func (s *PostgresStore) Query(ctx context.Context, f Filters, limit, offset int) ([]*db.LogEntry, error) {
	limit, offset = normalizePage(limit, offset)
	clause, args := where(f)
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT id, form_id, submission_id, integration_id, status, message, data, created_at, updated_at
		FROM integration_logs%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, clause, len(args)-1, len(args))

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		if db.IsUndefinedTable(err) {
			s.logger.Warn("integration_logs not provisioned, returning no entries")
			return []*db.LogEntry{}, nil
		}
		return nil, apperr.Store("query logs", fmt.Errorf("query log entries: %w", err))
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Stats aggregates matching entries by status and UTC day from a single
// grouped query, so every total is derived from the same rows.
func (s *PostgresStore) Stats(ctx context.Context, f Filters) (Stats, error) {
	stats := newStats()
	clause, args := where(f)

	query := fmt.Sprintf(`
		SELECT status, to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
		FROM integration_logs%s
		GROUP BY status, day
	`, clause)

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		if db.IsUndefinedTable(err) {
			s.logger.Warn("integration_logs not provisioned, reporting empty statistics")
			return stats, nil
		}
		return stats, apperr.Store("log stats", fmt.Errorf("aggregate log entries: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var status, day string
		var n int64
		if err := rows.Scan(&status, &day, &n); err != nil {
			return stats, apperr.Store("log stats", fmt.Errorf("scan aggregate: %w", err))
		}
		stats.add(status, day, n)
	}
	if err := rows.Err(); err != nil {
		return stats, apperr.Store("log stats", fmt.Errorf("iterate rows: %w", err))
	}
	return stats, nil
}

// DeleteOlderThan removes entries created more than days ago
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, apperr.Validation("delete logs", "days must not be negative")
	}

	result, err := s.db.Pool().Exec(ctx,
		`DELETE FROM integration_logs WHERE created_at < NOW() - make_interval(days => $1)`, days)
	if err != nil {
		if db.IsUndefinedTable(err) {
			return 0, nil
		}
		return 0, apperr.Store("delete logs", fmt.Errorf("delete log entries: %w", err))
	}

	if n := result.RowsAffected(); n > 0 {
		s.logger.Info("old log entries deleted", zap.Int64("count", n), zap.Int("days", days))
	}
	return result.RowsAffected(), nil
}

// RecordEvent appends an analytics event
func (s *PostgresStore) RecordEvent(ctx context.Context, event *db.AnalyticsEvent) (int64, error) {
	if err := validateEvent(event); err != nil {
		return 0, err
	}

	query := `
		INSERT INTO analytics_events (form_id, audience_id, event_type, event_data)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	var data any
	if len(event.EventData) > 0 {
		data = event.EventData
	}

	err := s.db.Pool().QueryRow(ctx, query,
		event.FormID,
		event.AudienceID,
		event.EventType,
		data,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return 0, apperr.Store("record event", fmt.Errorf("insert analytics event: %w", err))
	}
	return event.ID, nil
}

func scanEntries(rows pgx.Rows) ([]*db.LogEntry, error) {
	entries := []*db.LogEntry{}
	for rows.Next() {
		var e db.LogEntry
		err := rows.Scan(
			&e.ID,
			&e.FormID,
			&e.SubmissionID,
			&e.IntegrationID,
			&e.Status,
			&e.Message,
			&e.Data,
			&e.CreatedAt,
			&e.UpdatedAt,
		)
		if err != nil {
			return nil, apperr.Store("query logs", fmt.Errorf("scan log entry: %w", err))
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, apperr.Store("query logs", fmt.Errorf("iterate rows: %w", err))
	}
	return entries, nil
}
