package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend is a process-local Backend for development and tests.
type MemoryBackend struct {
	mu     sync.Mutex
	groups map[string]map[string]memoryEntry
	now    func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		groups: make(map[string]map[string]memoryEntry),
		now:    time.Now,
	}
}

// SetClock overrides the time source used for expiry.
func (b *MemoryBackend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *MemoryBackend) Get(ctx context.Context, group, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.groups[group][key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !b.now().Before(entry.expiresAt) {
		delete(b.groups[group], key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (b *MemoryBackend) Set(ctx context.Context, group, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, ok := b.groups[group]
	if !ok {
		entries = make(map[string]memoryEntry)
		b.groups[group] = entries
	}

	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = b.now().Add(ttl)
	}
	entries[key] = entry
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, group string, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, key := range keys {
		delete(b.groups[group], key)
	}
	return nil
}

func (b *MemoryBackend) Keys(ctx context.Context, group string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.groups[group]))
	for key := range b.groups[group] {
		keys = append(keys, key)
	}
	return keys, nil
}

func (b *MemoryBackend) FlushGroup(ctx context.Context, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.groups, group)
	return nil
}
