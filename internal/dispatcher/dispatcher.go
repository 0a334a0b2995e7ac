// Package dispatcher drains the work queue: it claims batches, delivers
// each item and hands failures to the recovery engine.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/db"
	"github.com/lalithlochan/formsync/internal/delivery"
	"github.com/lalithlochan/formsync/internal/logstore"
	"github.com/lalithlochan/formsync/internal/metrics"
	"github.com/lalithlochan/formsync/internal/queue"
	"github.com/lalithlochan/formsync/internal/recovery"
	"github.com/lalithlochan/formsync/internal/redis"
	"github.com/lalithlochan/formsync/internal/settings"
)

// Limiter is the outbound rate limiter.
type Limiter interface {
	AllowLimit(ctx context.Context, key string, limit int) (*redis.RateLimitResult, error)
}

// SettingsSource loads per-integration settings.
type SettingsSource interface {
	Get(ctx context.Context, integrationID string) (*settings.Settings, error)
}

// Reports is the statistics cache refreshed after each batch.
type Reports interface {
	Invalidate(ctx context.Context)
	RefreshQueueDepth(ctx context.Context) (db.QueueStatistics, error)
}

// Outcome of processing one claimed item.
type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeDeferred    Outcome = "deferred"
	OutcomeFailed      Outcome = "failed"
	OutcomeAbandoned   Outcome = "abandoned"
	OutcomeReleased    Outcome = "released"
)

// Config tunes the dispatcher loops.
type Config struct {
	IntegrationID       string
	PollInterval        time.Duration
	BatchSize           int
	SweepInterval       time.Duration
	MaintenanceInterval time.Duration
	DefaultTimeout      time.Duration
	// RateLimitPerMinute applies when the integration has no
	// rate_limit_per_minute setting. Zero disables the limiter.
	RateLimitPerMinute int
	StaleAfter         time.Duration
	QueueRetentionDays int
	LogRetentionDays   int
}

// Dispatcher owns the delivery loop.
type Dispatcher struct {
	queue     queue.Store
	deliverer delivery.Deliverer
	engine    *recovery.Engine
	limiter   Limiter
	settings  SettingsSource
	logs      logstore.Store
	reports   Reports
	config    Config
	logger    *zap.Logger
	done      chan struct{}
}

// Deps are the collaborators of a Dispatcher. Limiter, Settings, Logs
// and Reports may be nil.
type Deps struct {
	Queue     queue.Store
	Deliverer delivery.Deliverer
	Engine    *recovery.Engine
	Limiter   Limiter
	Settings  SettingsSource
	Logs      logstore.Store
	Reports   Reports
}

// New creates a dispatcher. Each instance logs under its own id.
func New(deps Deps, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.MaintenanceInterval == 0 {
		cfg.MaintenanceInterval = time.Hour
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 30 * time.Minute
	}

	return &Dispatcher{
		queue:     deps.Queue,
		deliverer: deps.Deliverer,
		engine:    deps.Engine,
		limiter:   deps.Limiter,
		settings:  deps.Settings,
		logs:      deps.Logs,
		reports:   deps.Reports,
		config:    cfg,
		done:      make(chan struct{}),
		logger: logger.With(
			zap.String("dispatcher_id", uuid.NewString()),
			zap.String("integration_id", cfg.IntegrationID),
		),
	}
}

// Start runs dispatch, retry sweep and maintenance until ctx is done.
// Done is closed once Start has returned.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.done)
	dispatch := time.NewTicker(d.config.PollInterval)
	defer dispatch.Stop()
	sweep := time.NewTicker(d.config.SweepInterval)
	defer sweep.Stop()
	maintenance := time.NewTicker(d.config.MaintenanceInterval)
	defer maintenance.Stop()

	d.logger.Info("dispatcher started",
		zap.Duration("poll_interval", d.config.PollInterval),
		zap.Int("batch_size", d.config.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-dispatch.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				d.logger.Error("dispatch failed", zap.Error(err))
			}
		case <-sweep.C:
			d.SweepOnce(ctx)
		case <-maintenance.C:
			d.Maintain(ctx)
		}
	}
}

// Done is closed when Start returns and the in-flight batch is settled.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// SweepOnce hands due retries back to the queue.
func (d *Dispatcher) SweepOnce(ctx context.Context) {
	res, err := d.engine.Sweep(ctx, d.config.BatchSize)
	if err != nil {
		d.logger.Error("retry sweep failed", zap.Error(err))
	}
	if d.reports != nil && res.Requeued+res.Discarded > 0 {
		d.reports.Invalidate(context.WithoutCancel(ctx))
	}
}

// DispatchOnce claims one batch and processes it in claim order. It
// returns how many items were claimed.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	items, err := d.queue.ClaimBatch(ctx, d.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}
	metrics.RecordClaimed(len(items))

	for i, item := range items {
		if ctx.Err() != nil {
			d.release(items[i:])
			break
		}
		d.Process(ctx, item)
	}

	if d.reports != nil {
		d.reports.Invalidate(context.WithoutCancel(ctx))
	}
	return len(items), nil
}

// release hands claimed but unprocessed items back to the queue.
func (d *Dispatcher) release(items []*db.QueueItem) {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.queue.MarkStatus(ctx, ids, db.StatusRetrying, nil); err != nil {
		d.logger.Error("failed to release claimed items", zap.Int64s("queue_item_ids", ids), zap.Error(err))
		return
	}
	d.logger.Info("released claimed items on shutdown", zap.Int("count", len(ids)))
}

// Process delivers one claimed item and records the result. An attempt
// already on the wire runs to its own deadline when ctx is cancelled;
// a retryable failure seen after cancellation releases the item
// without consuming an attempt.
func (d *Dispatcher) Process(ctx context.Context, item *db.QueueItem) Outcome {
	integrationID := d.config.IntegrationID
	s := d.loadSettings(ctx, integrationID)

	if !d.allow(ctx, integrationID, item, s) {
		return OutcomeRateLimited
	}

	work := context.WithoutCancel(ctx)
	rc := recovery.NewContext(item, d.timeout(s))
	for {
		start := time.Now()
		remoteID, err := d.deliverer.Deliver(work, integrationID, item, rc.Timeout)
		if err == nil {
			d.succeeded(work, integrationID, item, remoteID, time.Since(start))
			return OutcomeDelivered
		}
		if errors.Is(err, context.Canceled) || (ctx.Err() != nil && recovery.Classify(err) == recovery.Recoverable) {
			return d.interrupted(integrationID, item, err)
		}

		outcome, recErr := d.engine.Recover(ctx, err, integrationID, rc)
		if recErr != nil {
			if ctx.Err() != nil {
				return d.interrupted(integrationID, item, err)
			}
			d.logger.Error("recovery failed, item left for stale release",
				zap.Int64("queue_item_id", item.ID),
				zap.Error(recErr),
			)
			metrics.RecordDelivery(integrationID, string(OutcomeAbandoned))
			return OutcomeAbandoned
		}

		switch outcome {
		case recovery.Recovered:
			if ctx.Err() != nil {
				return d.interrupted(integrationID, item, err)
			}
			continue

		case recovery.Deferred:
			metrics.RecordDelivery(integrationID, string(OutcomeDeferred))
			d.record(work, integrationID, item, db.LogWarning,
				fmt.Sprintf("Delivery deferred until %s: %s", rc.RetryAt.UTC().Format(time.RFC3339), rc.Message),
				map[string]any{"retry_count": rc.Attempts, "pattern": rc.Pattern})
			return OutcomeDeferred

		default:
			metrics.RecordDelivery(integrationID, string(OutcomeFailed))
			item.RetryCount = rc.Attempts
			if err := d.engine.Fail(work, integrationID, item, rc.Message); err != nil {
				d.logger.Error("failed to mark item failed",
					zap.Int64("queue_item_id", item.ID),
					zap.Error(err),
				)
			}
			return OutcomeFailed
		}
	}
}

func (d *Dispatcher) interrupted(integrationID string, item *db.QueueItem, cause error) Outcome {
	d.logger.Info("delivery interrupted by shutdown",
		zap.Int64("queue_item_id", item.ID),
		zap.Error(cause),
	)
	d.release([]*db.QueueItem{item})
	metrics.RecordDelivery(integrationID, string(OutcomeReleased))
	return OutcomeReleased
}

// allow checks the outbound rate limit. A denied item goes back to
// retrying without consuming an attempt; a limiter outage lets it pass.
func (d *Dispatcher) allow(ctx context.Context, integrationID string, item *db.QueueItem, s *settings.Settings) bool {
	limit := s.Int(settings.KeyRateLimitPerMinute, d.config.RateLimitPerMinute)
	if d.limiter == nil || limit <= 0 {
		return true
	}

	res, err := d.limiter.AllowLimit(ctx, integrationID, limit)
	if err != nil {
		d.logger.Warn("rate limiter unavailable, delivering anyway", zap.Error(err))
		return true
	}
	if res.Allowed {
		return true
	}

	metrics.RecordRateLimitRejection(integrationID)
	metrics.RecordDelivery(integrationID, string(OutcomeRateLimited))
	if err := d.queue.MarkStatus(ctx, []int64{item.ID}, db.StatusRetrying, item.ErrorMessage); err != nil {
		d.logger.Error("failed to release rate limited item", zap.Int64("queue_item_id", item.ID), zap.Error(err))
	}
	d.logger.Debug("delivery rate limited",
		zap.Int64("queue_item_id", item.ID),
		zap.Time("reset_at", res.ResetAt),
	)
	return false
}

// timeout reads timeout_seconds as whole seconds or a duration string.
func (d *Dispatcher) timeout(s *settings.Settings) time.Duration {
	if n := s.Int(settings.KeyTimeoutSeconds, 0); n > 0 {
		return time.Duration(n) * time.Second
	}
	return s.Duration(settings.KeyTimeoutSeconds, d.config.DefaultTimeout)
}

// loadSettings never fails; an unavailable settings store leaves the
// defaults in place and the deliverer reports the outage.
func (d *Dispatcher) loadSettings(ctx context.Context, integrationID string) *settings.Settings {
	if d.settings == nil {
		return &settings.Settings{}
	}
	s, err := d.settings.Get(ctx, integrationID)
	if err != nil || s == nil {
		d.logger.Warn("settings unavailable, using defaults", zap.Error(err))
		return &settings.Settings{}
	}
	return s
}

func (d *Dispatcher) succeeded(ctx context.Context, integrationID string, item *db.QueueItem, remoteID string, took time.Duration) {
	if remoteID != "" {
		if err := d.queue.SetRemoteBatchID(ctx, item.ID, remoteID); err != nil {
			d.logger.Warn("failed to store remote id", zap.Int64("queue_item_id", item.ID), zap.Error(err))
		}
	}
	if err := d.queue.MarkStatus(ctx, []int64{item.ID}, db.StatusCompleted, nil); err != nil {
		d.logger.Error("failed to mark item completed", zap.Int64("queue_item_id", item.ID), zap.Error(err))
	}
	metrics.RecordDelivery(integrationID, string(OutcomeDelivered))

	d.record(ctx, integrationID, item, db.LogSuccess,
		fmt.Sprintf("Subscriber delivered to list %s", item.ListID),
		map[string]any{"remote_id": remoteID, "retry_count": item.RetryCount, "duration_ms": took.Milliseconds()})

	eventData, _ := json.Marshal(map[string]any{
		"queue_item_id": item.ID,
		"submission_id": item.SubmissionID,
		"remote_id":     remoteID,
	})
	logstore.RecordEvent(ctx, d.logs, d.logger, &db.AnalyticsEvent{
		FormID:     item.FormID,
		AudienceID: item.ListID,
		EventType:  db.EventSubscribed,
		EventData:  eventData,
	})

	d.logger.Info("queue item delivered",
		zap.Int64("queue_item_id", item.ID),
		zap.String("remote_id", remoteID),
		zap.Duration("took", took),
	)
}

func (d *Dispatcher) record(ctx context.Context, integrationID string, item *db.QueueItem, status, message string, data map[string]any) {
	data["queue_item_id"] = item.ID
	raw, _ := json.Marshal(data)
	logstore.Record(ctx, d.logs, d.logger, &db.LogEntry{
		FormID:        item.FormID,
		SubmissionID:  item.SubmissionID,
		IntegrationID: integrationID,
		Status:        status,
		Message:       message,
		Data:          raw,
	})
}

// Maintain purges old terminal items and logs and returns abandoned
// claims to the queue. Retention of zero days keeps everything.
func (d *Dispatcher) Maintain(ctx context.Context) {
	if n, err := d.queue.ReleaseStale(ctx, d.config.StaleAfter); err != nil {
		d.logger.Error("failed to release stale items", zap.Error(err))
	} else if n > 0 {
		d.logger.Warn("released stale processing items", zap.Int64("count", n))
	}

	if d.config.QueueRetentionDays > 0 {
		n, err := d.queue.PurgeTerminal(ctx, d.config.QueueRetentionDays)
		if err != nil {
			d.logger.Error("failed to purge queue", zap.Error(err))
		} else if n > 0 {
			d.logger.Info("purged terminal queue items", zap.Int64("count", n))
		}
	}

	if d.config.LogRetentionDays > 0 && d.logs != nil {
		n, err := d.logs.DeleteOlderThan(ctx, d.config.LogRetentionDays)
		if err != nil {
			d.logger.Error("failed to delete old logs", zap.Error(err))
		} else if n > 0 {
			d.logger.Info("deleted old log entries", zap.Int64("count", n))
		}
	}

	if d.reports != nil {
		d.reports.Invalidate(ctx)
		if _, err := d.reports.RefreshQueueDepth(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("failed to refresh queue depth", zap.Error(err))
		}
	}
}
