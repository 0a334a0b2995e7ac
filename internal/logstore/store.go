// Package logstore is the append-only integration event log and its
// aggregate statistics.
package logstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"

	"github.com/lalithlochan/formsync/internal/apperr"
	"github.com/lalithlochan/formsync/internal/db"
)

// DateLayout is the bucket format of Stats.ByDate.
const DateLayout = "2006-01-02"

// Store owns integration_logs and analytics_events rows.
type Store interface {
	Append(ctx context.Context, entry *db.LogEntry) (int64, error)
	Query(ctx context.Context, f Filters, limit, offset int) ([]*db.LogEntry, error)
	Stats(ctx context.Context, f Filters) (Stats, error)
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
	RecordEvent(ctx context.Context, event *db.AnalyticsEvent) (int64, error)
}

// Filters narrows Query and Stats. Zero values match everything.
// DateFrom and DateTo are inclusive bounds on created_at.
type Filters struct {
	IntegrationID string
	FormID        int64
	Status        string
	DateFrom      time.Time
	DateTo        time.Time
}

func (f Filters) matches(e *db.LogEntry) bool {
	if f.IntegrationID != "" && e.IntegrationID != f.IntegrationID {
		return false
	}
	if f.FormID != 0 && e.FormID != f.FormID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.DateFrom.IsZero() && e.CreatedAt.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && e.CreatedAt.After(f.DateTo) {
		return false
	}
	return true
}

// Hash is a stable identifier of the filter set, used in cache keys.
func (f Filters) Hash() string {
	var b strings.Builder
	b.WriteString(f.IntegrationID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(f.FormID, 10))
	b.WriteByte('|')
	b.WriteString(f.Status)
	b.WriteByte('|')
	if !f.DateFrom.IsZero() {
		b.WriteString(f.DateFrom.UTC().Format(time.RFC3339Nano))
	}
	b.WriteByte('|')
	if !f.DateTo.IsZero() {
		b.WriteString(f.DateTo.UTC().Format(time.RFC3339Nano))
	}
	return strconv.FormatUint(xxhash.Sum64String(b.String()), 16)
}

// Stats aggregates log entries. Total always equals the sum of
// ByStatus and the sum of ByDate.
type Stats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
	ByDate   map[string]int64 `json:"by_date"`
}

func newStats() Stats {
	return Stats{
		ByStatus: make(map[string]int64),
		ByDate:   make(map[string]int64),
	}
}

func (s *Stats) add(status, day string, n int64) {
	s.Total += n
	s.ByStatus[status] += n
	s.ByDate[day] += n
}

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

var validate = validator.New()

func validateEntry(entry *db.LogEntry) error {
	if entry == nil {
		return apperr.Validation("append log", "log entry is required")
	}
	if strings.TrimSpace(entry.IntegrationID) == "" {
		return apperr.Validation("append log", "integration_id is required")
	}
	if entry.Status == "" {
		entry.Status = db.LogInfo
	}
	if err := validate.Struct(entry); err != nil {
		return apperr.Validation("append log", "status must be one of info, success, warning, error")
	}
	return nil
}

func validateEvent(event *db.AnalyticsEvent) error {
	if event == nil || strings.TrimSpace(event.EventType) == "" {
		return apperr.Validation("record event", "event_type is required")
	}
	return nil
}
