package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lalithlochan/formsync/internal/apperr"
	"github.com/lalithlochan/formsync/internal/db"
)

// MemoryStore is an in-process Store used for development and tests.
// Every operation holds one mutex, so ClaimBatch is a single atomic
// select-and-transition.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[int64]*db.QueueItem
	nextID int64
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory queue
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[int64]*db.QueueItem),
		now:   time.Now,
	}
}

// SetClock overrides the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Enqueue(ctx context.Context, item *db.QueueItem) (int64, error) {
	if err := validateItem(item); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := s.now()
	stored := cloneItem(item)
	stored.ID = s.nextID
	stored.Status = db.StatusPending
	stored.RetryCount = 0
	stored.ErrorMessage = nil
	stored.RemoteBatchID = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.items[stored.ID] = stored

	item.ID = stored.ID
	item.Status = stored.Status
	item.RetryCount = 0
	item.CreatedAt = now
	item.UpdatedAt = now
	return stored.ID, nil
}

func (s *MemoryStore) ClaimBatch(ctx context.Context, maxSize int) ([]*db.QueueItem, error) {
	if maxSize <= 0 {
		return []*db.QueueItem{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make([]*db.QueueItem, 0)
	for _, item := range s.items {
		if item.Status == db.StatusPending || item.Status == db.StatusRetrying {
			eligible = append(eligible, item)
		}
	}
	sortForDispatch(eligible)
	if len(eligible) > maxSize {
		eligible = eligible[:maxSize]
	}

	now := s.now()
	claimed := make([]*db.QueueItem, 0, len(eligible))
	for _, item := range eligible {
		item.Status = db.StatusProcessing
		item.UpdatedAt = now
		claimed = append(claimed, cloneItem(item))
	}
	return claimed, nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*db.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return cloneItem(item), nil
}

func (s *MemoryStore) MarkStatus(ctx context.Context, ids []int64, status string, errorMsg *string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := validateStatus("mark status", status); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range ids {
		item, ok := s.items[id]
		if !ok || db.IsTerminalStatus(item.Status) {
			continue
		}
		item.Status = status
		item.ErrorMessage = cloneString(errorMsg)
		item.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) IncrementRetry(ctx context.Context, id int64, newCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.RetryCount > newCount {
		return apperr.Validation("increment retry",
			fmt.Sprintf("queue item %d missing or retry count above %d", id, newCount))
	}
	item.RetryCount = newCount
	item.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetRemoteBatchID(ctx context.Context, id int64, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	item.RemoteBatchID = &remoteID
	item.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Statistics(ctx context.Context) (db.QueueStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats db.QueueStatistics
	for _, item := range s.items {
		stats.Add(item.Status, 1)
	}
	return stats, nil
}

func (s *MemoryStore) RetryAllFailed(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := s.now()
	for _, item := range s.items {
		if item.Status != db.StatusFailed {
			continue
		}
		item.Status = db.StatusPending
		item.RetryCount = 0
		item.ErrorMessage = nil
		item.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *MemoryStore) PurgeTerminal(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, apperr.Validation("purge terminal", "older_than_days must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -olderThanDays)
	var n int64
	for id, item := range s.items {
		if db.IsTerminalStatus(item.Status) && item.UpdatedAt.Before(cutoff) {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-olderThan)
	var n int64
	for _, item := range s.items {
		if item.Status == db.StatusProcessing && item.UpdatedAt.Before(cutoff) {
			item.Status = db.StatusRetrying
			item.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func cloneItem(item *db.QueueItem) *db.QueueItem {
	c := *item
	c.Payload = append([]byte(nil), item.Payload...)
	c.SubmissionID = cloneInt64(item.SubmissionID)
	c.ErrorMessage = cloneString(item.ErrorMessage)
	c.RemoteBatchID = cloneString(item.RemoteBatchID)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt64(n *int64) *int64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
