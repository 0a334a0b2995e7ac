package logstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lalithlochan/formsync/internal/apperr"
	"github.com/lalithlochan/formsync/internal/db"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries []*db.LogEntry
	events  []*db.AnalyticsEvent
	nextID  int64
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory log store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// SetClock overrides the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Append keeps a preset CreatedAt so callers can backdate entries.
func (s *MemoryStore) Append(ctx context.Context, entry *db.LogEntry) (int64, error) {
	if err := validateEntry(entry); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := s.now()
	stored := *entry
	stored.ID = s.nextID
	stored.Data = append([]byte(nil), entry.Data...)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt
	s.entries = append(s.entries, &stored)

	entry.ID = stored.ID
	entry.CreatedAt = stored.CreatedAt
	entry.UpdatedAt = stored.UpdatedAt
	return stored.ID, nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filters, limit, offset int) ([]*db.LogEntry, error) {
	limit, offset = normalizePage(limit, offset)

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*db.LogEntry, 0)
	for _, e := range s.entries {
		if f.matches(e) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if offset >= len(matched) {
		return []*db.LogEntry{}, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*db.LogEntry, len(matched))
	for i, e := range matched {
		c := *e
		c.Data = append([]byte(nil), e.Data...)
		out[i] = &c
	}
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context, f Filters) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := newStats()
	for _, e := range s.entries {
		if f.matches(e) {
			stats.add(e.Status, e.CreatedAt.UTC().Format(DateLayout), 1)
		}
	}
	return stats, nil
}

func (s *MemoryStore) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, apperr.Validation("delete logs", "days must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -days)
	kept := s.entries[:0]
	var n int64
	for _, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return n, nil
}

func (s *MemoryStore) RecordEvent(ctx context.Context, event *db.AnalyticsEvent) (int64, error) {
	if err := validateEvent(event); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	stored := *event
	stored.ID = s.nextID
	stored.CreatedAt = s.now()
	s.events = append(s.events, &stored)

	event.ID = stored.ID
	event.CreatedAt = stored.CreatedAt
	return stored.ID, nil
}

// Events returns recorded analytics events in insertion order.
func (s *MemoryStore) Events() []db.AnalyticsEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]db.AnalyticsEvent, len(s.events))
	for i, e := range s.events {
		out[i] = *e
	}
	return out
}
