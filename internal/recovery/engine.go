package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/alert"
	"github.com/lalithlochan/formsync/internal/apperr"
	"github.com/lalithlochan/formsync/internal/db"
	"github.com/lalithlochan/formsync/internal/logstore"
	"github.com/lalithlochan/formsync/internal/metrics"
	"github.com/lalithlochan/formsync/internal/queue"
)

// Outcome is the decision Recover makes for one failure.
type Outcome int

const (
	// Recovered means the caller should retry now.
	Recovered Outcome = iota + 1
	// Deferred means a retry was scheduled; the caller stops.
	Deferred
	// GivenUp means the item must be failed with Context.Message.
	GivenUp
)

func (o Outcome) String() string {
	switch o {
	case Recovered:
		return "recovered"
	case Deferred:
		return "deferred"
	case GivenUp:
		return "given_up"
	default:
		return "unknown"
	}
}

// Context carries the per-item recovery state across attempts of one
// dispatch. Attempts mirrors the queue item's retry_count.
type Context struct {
	ItemID             int64
	Attempts           int
	Timeout            time.Duration
	ImmediateRetryUsed bool

	// Set by Recover.
	Pattern Pattern
	RetryAt time.Time
	Message string
	Err     error
}

// NewContext starts recovery state for a freshly claimed item.
func NewContext(item *db.QueueItem, timeout time.Duration) *Context {
	return &Context{
		ItemID:   item.ID,
		Attempts: item.RetryCount,
		Timeout:  timeout,
	}
}

// Config tunes the engine.
type Config struct {
	MaxAttempts    int
	RateLimitDelay time.Duration
	Pause          time.Duration
	MaxTimeout     time.Duration
	Backoff        []time.Duration
}

// DefaultConfig returns the standard retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		RateLimitDelay: 300 * time.Second,
		Pause:          time.Second,
		MaxTimeout:     2 * time.Minute,
		Backoff:        []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
	}
}

// Engine applies the retry policy. The queue's retry_count is the only
// attempt counter; the engine advances it through the queue store.
type Engine struct {
	queue    queue.Store
	schedule Schedule
	logs     logstore.Store
	notifier alert.Notifier
	cfg      Config
	logger   *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a recovery engine. logs and notifier may be nil.
func NewEngine(q queue.Store, schedule Schedule, logs logstore.Store, notifier alert.Notifier, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	return &Engine{
		queue:    q,
		schedule: schedule,
		logs:     logs,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// SetClock overrides the time source and the pause function.
func (e *Engine) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	if now != nil {
		e.now = now
	}
	if sleep != nil {
		e.sleep = sleep
	}
}

// MaxAttempts is the retry cap.
func (e *Engine) MaxAttempts() int {
	return e.cfg.MaxAttempts
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Recover decides what happens after a failed delivery attempt. An
// error is returned only when the retry counter could not be stored;
// the item then stays claimed until ReleaseStale returns it.
func (e *Engine) Recover(ctx context.Context, err error, integrationID string, rc *Context) (Outcome, error) {
	rc.Pattern = PatternOf(err)
	rc.RetryAt = time.Time{}

	if Classify(err) == Fatal {
		return e.giveUp(rc, err, UserMessage(err)), nil
	}

	next := rc.Attempts + 1
	if storeErr := e.queue.IncrementRetry(ctx, rc.ItemID, next); storeErr != nil {
		return 0, fmt.Errorf("record attempt %d for item %d: %w", next, rc.ItemID, storeErr)
	}
	rc.Attempts = next

	if rc.Attempts >= e.cfg.MaxAttempts {
		msg := fmt.Sprintf("Gave up after %d attempts: %s", rc.Attempts, UserMessage(err))
		return e.giveUp(rc, err, msg), nil
	}

	switch rc.Pattern {
	case PatternRateLimit:
		if err := e.sleep(ctx, e.cfg.Pause); err != nil {
			return 0, err
		}
		return e.deferRetry(ctx, integrationID, rc, err, e.cfg.RateLimitDelay), nil

	case PatternTimeout:
		if !rc.ImmediateRetryUsed {
			rc.ImmediateRetryUsed = true
			rc.Timeout *= 2
			if e.cfg.MaxTimeout > 0 && rc.Timeout > e.cfg.MaxTimeout {
				rc.Timeout = e.cfg.MaxTimeout
			}
			return e.recovered(rc), nil
		}

	case PatternNetwork:
		if !rc.ImmediateRetryUsed {
			rc.ImmediateRetryUsed = true
			if err := e.sleep(ctx, e.cfg.Pause); err != nil {
				return 0, err
			}
			return e.recovered(rc), nil
		}
	}

	return e.deferRetry(ctx, integrationID, rc, err, e.backoff(rc.Attempts)), nil
}

func (e *Engine) backoff(attempts int) time.Duration {
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(e.cfg.Backoff) {
		i = len(e.cfg.Backoff) - 1
	}
	return e.cfg.Backoff[i]
}

func (e *Engine) recovered(rc *Context) Outcome {
	metrics.RecordRecovery(string(rc.Pattern), Recovered.String())
	e.logger.Info("retrying immediately",
		zap.Int64("queue_item_id", rc.ItemID),
		zap.String("pattern", string(rc.Pattern)),
		zap.Int("attempts", rc.Attempts),
		zap.Duration("timeout", rc.Timeout),
	)
	return Recovered
}

func (e *Engine) giveUp(rc *Context, err error, msg string) Outcome {
	rc.Message = msg
	rc.Err = apperr.Fatal("deliver", msg, StatusCode(err), err)
	metrics.RecordRecovery(string(rc.Pattern), GivenUp.String())
	e.logger.Warn("giving up on queue item",
		zap.Int64("queue_item_id", rc.ItemID),
		zap.String("pattern", string(rc.Pattern)),
		zap.Int("attempts", rc.Attempts),
		zap.String("reason", Redact(err.Error())),
	)
	return GivenUp
}

func (e *Engine) deferRetry(ctx context.Context, integrationID string, rc *Context, cause error, delay time.Duration) Outcome {
	rc.RetryAt = e.now().Add(delay)
	rc.Message = UserMessage(cause)
	entry := Entry{
		IntegrationID: integrationID,
		ItemID:        rc.ItemID,
		ScheduledAt:   rc.RetryAt,
		Attempts:      rc.Attempts,
		Pattern:       rc.Pattern,
	}

	// The item stays in processing until the sweep picks the entry up.
	// Without an entry it would wait for ReleaseStale, so it goes back
	// to the queue right away instead.
	status := db.StatusProcessing
	if err := e.schedule.Add(ctx, entry); err != nil {
		e.logger.Error("failed to schedule retry, requeueing now",
			zap.Int64("queue_item_id", rc.ItemID),
			zap.Error(err),
		)
		status = db.StatusRetrying
	}
	msg := rc.Message
	if err := e.queue.MarkStatus(ctx, []int64{rc.ItemID}, status, &msg); err != nil {
		e.logger.Error("failed to record deferred retry", zap.Int64("queue_item_id", rc.ItemID), zap.Error(err))
	}

	metrics.RecordRecovery(string(rc.Pattern), Deferred.String())
	e.logger.Info("retry deferred",
		zap.Int64("queue_item_id", rc.ItemID),
		zap.String("key", entry.Key()),
		zap.String("pattern", string(rc.Pattern)),
		zap.Int("attempts", rc.Attempts),
		zap.Time("retry_at", rc.RetryAt),
	)
	return Deferred
}

// Fail marks item failed with a user-safe message, writes an error log
// entry and alerts operators. Only the status update can fail.
func (e *Engine) Fail(ctx context.Context, integrationID string, item *db.QueueItem, message string) error {
	if err := e.queue.MarkStatus(ctx, []int64{item.ID}, db.StatusFailed, &message); err != nil {
		return fmt.Errorf("mark item %d failed: %w", item.ID, err)
	}
	item.Status = db.StatusFailed
	item.ErrorMessage = &message

	data, _ := json.Marshal(map[string]any{
		"queue_item_id": item.ID,
		"list_id":       item.ListID,
		"retry_count":   item.RetryCount,
	})
	logstore.Record(ctx, e.logs, e.logger, &db.LogEntry{
		FormID:        item.FormID,
		SubmissionID:  item.SubmissionID,
		IntegrationID: integrationID,
		Status:        db.LogError,
		Message:       message,
		Data:          data,
	})

	if e.notifier != nil {
		err := e.notifier.Notify(ctx, alert.Alert{
			IntegrationID: integrationID,
			ItemID:        item.ID,
			FormID:        item.FormID,
			SubmissionID:  item.SubmissionID,
			ListID:        item.ListID,
			Attempts:      item.RetryCount,
			Message:       message,
			OccurredAt:    e.now(),
		})
		if err != nil {
			e.logger.Warn("alert not delivered", zap.Int64("queue_item_id", item.ID), zap.Error(err))
		}
	}
	return nil
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Requeued  int
	Discarded int
	Skipped   int
}

// Sweep takes due retries and hands their items back to the queue.
// An entry whose item has reached the retry cap is discarded and the
// item failed instead.
func (e *Engine) Sweep(ctx context.Context, limit int) (SweepResult, error) {
	var res SweepResult

	entries, err := e.schedule.TakeDue(ctx, e.now(), limit)
	if err != nil {
		return res, fmt.Errorf("take due retries: %w", err)
	}

	for _, entry := range entries {
		item, err := e.queue.Get(ctx, entry.ItemID)
		if errors.Is(err, queue.ErrNotFound) {
			res.Skipped++
			continue
		}
		if err != nil {
			e.logger.Error("sweep could not load item, rescheduling",
				zap.Int64("queue_item_id", entry.ItemID),
				zap.Error(err),
			)
			if addErr := e.schedule.Add(ctx, entry); addErr != nil {
				e.logger.Error("failed to reschedule retry", zap.String("key", entry.Key()), zap.Error(addErr))
			}
			continue
		}

		// Only parked items belong to the schedule. Anything else was
		// reset, released or finished in the meantime.
		if item.Status != db.StatusProcessing {
			res.Skipped++
			continue
		}

		if item.RetryCount >= e.cfg.MaxAttempts {
			msg := fmt.Sprintf("Gave up after %d attempts", item.RetryCount)
			if item.ErrorMessage != nil && *item.ErrorMessage != "" {
				msg += ": " + *item.ErrorMessage
			}
			e.logger.Warn("discarding scheduled retry at attempt cap",
				zap.String("key", entry.Key()),
				zap.Int("retry_count", item.RetryCount),
			)
			if err := e.Fail(ctx, entry.IntegrationID, item, msg); err != nil {
				return res, err
			}
			res.Discarded++
			continue
		}

		if err := e.queue.MarkStatus(ctx, []int64{item.ID}, db.StatusRetrying, item.ErrorMessage); err != nil {
			return res, fmt.Errorf("requeue item %d: %w", item.ID, err)
		}
		res.Requeued++
	}

	if len(entries) > 0 {
		e.logger.Info("retry sweep finished",
			zap.Int("due", len(entries)),
			zap.Int("requeued", res.Requeued),
			zap.Int("discarded", res.Discarded),
			zap.Int("skipped", res.Skipped),
		)
	}
	return res, nil
}

// Pending reports how many retries are waiting in the schedule.
func (e *Engine) Pending(ctx context.Context) (int64, error) {
	return e.schedule.Len(ctx)
}
