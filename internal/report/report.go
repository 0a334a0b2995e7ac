// Package report serves the dashboard statistics from the cache,
// recomputing them from the stores on a miss.
package report

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/cache"
	"github.com/lalithlochan/formsync/internal/db"
	"github.com/lalithlochan/formsync/internal/logstore"
	"github.com/lalithlochan/formsync/internal/metrics"
	"github.com/lalithlochan/formsync/internal/queue"
)

type Reporter struct {
	queue  queue.Store
	logs   logstore.Store
	cache  *cache.Cache
	logger *zap.Logger
}

func New(q queue.Store, logs logstore.Store, c *cache.Cache, logger *zap.Logger) *Reporter {
	return &Reporter{
		queue:  q,
		logs:   logs,
		cache:  c,
		logger: logger,
	}
}

// QueueStatistics returns item counts by status. A recomputation also
// refreshes the queue depth gauges.
func (r *Reporter) QueueStatistics(ctx context.Context) (db.QueueStatistics, error) {
	return cache.GetOrComputeJSON(ctx, r.cache, cache.QueueStatsKey, cache.StatsTTL,
		func(ctx context.Context) (db.QueueStatistics, error) {
			stats, err := r.queue.Statistics(ctx)
			if err != nil {
				return stats, err
			}
			observeDepth(stats)
			return stats, nil
		})
}

// LogStats returns log aggregates for one filter set.
func (r *Reporter) LogStats(ctx context.Context, f logstore.Filters) (logstore.Stats, error) {
	return cache.GetOrComputeJSON(ctx, r.cache, cache.LogStatsKey(f.Hash()), cache.StatsTTL,
		func(ctx context.Context) (logstore.Stats, error) {
			return r.logs.Stats(ctx, f)
		})
}

// RefreshQueueDepth recomputes queue statistics bypassing the cache.
func (r *Reporter) RefreshQueueDepth(ctx context.Context) (db.QueueStatistics, error) {
	stats, err := r.queue.Statistics(ctx)
	if err != nil {
		return stats, err
	}
	observeDepth(stats)
	cache.SetJSON(ctx, r.cache, cache.QueueStatsKey, stats, cache.StatsTTL)
	return stats, nil
}

// Invalidate drops every cached statistic.
func (r *Reporter) Invalidate(ctx context.Context) {
	if !r.cache.DeleteByPrefix(ctx, cache.StatsPrefix) {
		r.logger.Debug("stats cache not invalidated")
	}
}

func observeDepth(s db.QueueStatistics) {
	metrics.SetQueueDepth(db.StatusPending, s.Pending)
	metrics.SetQueueDepth(db.StatusProcessing, s.Processing)
	metrics.SetQueueDepth(db.StatusRetrying, s.Retrying)
	metrics.SetQueueDepth(db.StatusCompleted, s.Completed)
	metrics.SetQueueDepth(db.StatusFailed, s.Failed)
}
