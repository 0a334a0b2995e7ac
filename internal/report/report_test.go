package report

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/cache"
	"github.com/lalithlochan/formsync/internal/db"
	"github.com/lalithlochan/formsync/internal/logstore"
	"github.com/lalithlochan/formsync/internal/queue"
)

type countingQueue struct {
	queue.Store
	calls int
	err   error
}

func (q *countingQueue) Statistics(ctx context.Context) (db.QueueStatistics, error) {
	q.calls++
	if q.err != nil {
		return db.QueueStatistics{}, q.err
	}
	return q.Store.Statistics(ctx)
}

type countingLogs struct {
	logstore.Store
	calls int
}

func (l *countingLogs) Stats(ctx context.Context, f logstore.Filters) (logstore.Stats, error) {
	l.calls++
	return l.Store.Stats(ctx, f)
}

func newTestReporter(t *testing.T) (*Reporter, *countingQueue, *countingLogs) {
	t.Helper()
	q := &countingQueue{Store: queue.NewMemoryStore()}
	logs := &countingLogs{Store: logstore.NewMemoryStore()}
	c := cache.New(cache.NewMemoryBackend(), cache.DefaultGroup, zap.NewNop())
	return New(q, logs, c, zap.NewNop()), q, logs
}

func enqueue(t *testing.T, q queue.Store) {
	t.Helper()
	_, err := q.Enqueue(context.Background(), &db.QueueItem{
		ListID:  "abc123",
		Payload: json.RawMessage(`{"email":"a@example.com"}`),
	})
	require.NoError(t, err)
}

func TestQueueStatistics_CachedUntilInvalidated(t *testing.T) {
	r, q, _ := newTestReporter(t)
	ctx := context.Background()
	enqueue(t, q)

	stats, err := r.QueueStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	enqueue(t, q)
	stats, err = r.QueueStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending, "served from cache")
	assert.Equal(t, 1, q.calls)

	r.Invalidate(ctx)
	stats, err = r.QueueStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)
	assert.Equal(t, 2, q.calls)
}

func TestRefreshQueueDepth_BypassesCache(t *testing.T) {
	r, q, _ := newTestReporter(t)
	ctx := context.Background()

	_, err := r.QueueStatistics(ctx)
	require.NoError(t, err)
	enqueue(t, q)

	stats, err := r.RefreshQueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	cached, err := r.QueueStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cached.Pending, "refresh rewrites the cached copy")
	assert.Equal(t, 2, q.calls)
}

func TestQueueStatistics_ErrorNotCached(t *testing.T) {
	r, q, _ := newTestReporter(t)
	ctx := context.Background()

	q.err = errors.New("db down")
	_, err := r.QueueStatistics(ctx)
	require.Error(t, err)

	q.err = nil
	_, err = r.QueueStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, q.calls)
}

func TestLogStats_CachedPerFilterSet(t *testing.T) {
	r, _, logs := newTestReporter(t)
	ctx := context.Background()

	_, err := logs.Append(ctx, &db.LogEntry{IntegrationID: "mailchimp", Status: db.LogSuccess})
	require.NoError(t, err)
	_, err = logs.Append(ctx, &db.LogEntry{IntegrationID: "hubspot", Status: db.LogError})
	require.NoError(t, err)

	all, err := r.LogStats(ctx, logstore.Filters{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), all.Total)

	mc, err := r.LogStats(ctx, logstore.Filters{IntegrationID: "mailchimp"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), mc.Total)
	assert.Equal(t, int64(1), mc.ByStatus[db.LogSuccess])

	_, err = r.LogStats(ctx, logstore.Filters{IntegrationID: "mailchimp"})
	require.NoError(t, err)
	assert.Equal(t, 2, logs.calls)

	r.Invalidate(ctx)
	_, err = r.LogStats(ctx, logstore.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 3, logs.calls)
}

func TestInvalidate_KeepsOtherKeys(t *testing.T) {
	backend := cache.NewMemoryBackend()
	c := cache.New(backend, cache.DefaultGroup, zap.NewNop())
	r := New(queue.NewMemoryStore(), logstore.NewMemoryStore(), c, zap.NewNop())
	ctx := context.Background()

	require.True(t, c.Set(ctx, cache.SettingsKey("mailchimp"), []byte(`{}`), cache.SettingsTTL))
	_, err := r.QueueStatistics(ctx)
	require.NoError(t, err)

	r.Invalidate(ctx)

	_, ok := c.Get(ctx, cache.QueueStatsKey)
	assert.False(t, ok)
	_, ok = c.Get(ctx, cache.SettingsKey("mailchimp"))
	assert.True(t, ok)
}
