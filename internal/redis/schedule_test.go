package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/recovery"
)

func setupRetrySchedule(t *testing.T) *RetrySchedule {
	t.Helper()
	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewRetrySchedule(&Client{rdb: rdb, logger: zap.NewNop()}, zap.NewNop())
}

func TestRetrySchedule_TakeDueOnlyReturnsDueEntries(t *testing.T) {
	s := setupRetrySchedule(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Add(ctx, recovery.Entry{IntegrationID: "mailchimp", ItemID: 1, ScheduledAt: now.Add(-time.Minute), Attempts: 1}))
	require.NoError(t, s.Add(ctx, recovery.Entry{IntegrationID: "mailchimp", ItemID: 2, ScheduledAt: now.Add(5 * time.Minute), Attempts: 2}))

	due, err := s.TakeDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(1), due[0].ItemID)
	assert.Equal(t, 1, due[0].Attempts)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	due, err = s.TakeDue(ctx, now.Add(10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(2), due[0].ItemID)
}

func TestRetrySchedule_Limit(t *testing.T) {
	s := setupRetrySchedule(t)
	ctx := context.Background()
	now := time.Now()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.Add(ctx, recovery.Entry{IntegrationID: "mailchimp", ItemID: i, ScheduledAt: now.Add(-time.Duration(i) * time.Second)}))
	}

	due, err := s.TakeDue(ctx, now, 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, int64(5), due[0].ItemID, "oldest due entry first")
}

func TestRetrySchedule_ConcurrentSweepersNeverShareEntries(t *testing.T) {
	s := setupRetrySchedule(t)
	ctx := context.Background()
	now := time.Now()

	for i := int64(1); i <= 20; i++ {
		require.NoError(t, s.Add(ctx, recovery.Entry{IntegrationID: "mailchimp", ItemID: i, ScheduledAt: now.Add(-time.Second)}))
	}

	var mu sync.Mutex
	seen := make(map[int64]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			due, err := s.TakeDue(ctx, now, 0)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, e := range due {
				seen[e.ItemID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, "entry for item %d taken %d times", id, n)
	}
}

func TestRetrySchedule_AddIsIdempotent(t *testing.T) {
	s := setupRetrySchedule(t)
	ctx := context.Background()
	e := recovery.Entry{IntegrationID: "mailchimp", ItemID: 9, ScheduledAt: time.Unix(1700000000, 0).UTC()}

	require.NoError(t, s.Add(ctx, e))
	require.NoError(t, s.Add(ctx, e))

	n, _ := s.Len(ctx)
	assert.Equal(t, int64(1), n)
}
