package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Entry is one deferred retry of a queue item.
type Entry struct {
	IntegrationID string    `json:"integration_id"`
	ItemID        int64     `json:"item_id"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	Attempts      int       `json:"attempts"`
	Pattern       Pattern   `json:"pattern"`
}

// Key identifies the entry by integration, due time and item.
func (e Entry) Key() string {
	return fmt.Sprintf("%s:%d:%d", e.IntegrationID, e.ScheduledAt.Unix(), e.ItemID)
}

// Schedule holds deferred retries. TakeDue removes and returns entries
// due at or before now; an entry is returned to at most one caller.
type Schedule interface {
	Add(ctx context.Context, e Entry) error
	TakeDue(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	Len(ctx context.Context) (int64, error)
}

// MemorySchedule is a process-local Schedule.
type MemorySchedule struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemorySchedule() *MemorySchedule {
	return &MemorySchedule{entries: make(map[string]Entry)}
}

func (s *MemorySchedule) Add(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Key()] = e
	return nil
}

func (s *MemorySchedule) TakeDue(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]Entry, 0)
	for _, e := range s.entries {
		if !e.ScheduledAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ItemID < due[j].ItemID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, e := range due {
		delete(s.entries, e.Key())
	}
	return due, nil
}

func (s *MemorySchedule) Len(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}
