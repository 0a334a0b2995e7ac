package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/alert"
	"github.com/lalithlochan/formsync/internal/apperr"
	"github.com/lalithlochan/formsync/internal/db"
	"github.com/lalithlochan/formsync/internal/logstore"
	"github.com/lalithlochan/formsync/internal/queue"
	"github.com/lalithlochan/formsync/internal/recovery"
	"github.com/lalithlochan/formsync/internal/redis"
	"github.com/lalithlochan/formsync/internal/report"
	"github.com/lalithlochan/formsync/internal/settings"
)

type call struct {
	itemID  int64
	timeout time.Duration
}

// scriptedDeliverer returns the queued errors in order, then succeeds.
type scriptedDeliverer struct {
	mu     sync.Mutex
	errs   []error
	calls  []call
	onCall func()
}

func (d *scriptedDeliverer) Deliver(ctx context.Context, integrationID string, item *db.QueueItem, timeout time.Duration) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, call{itemID: item.ID, timeout: timeout})
	var err error
	if len(d.errs) > 0 {
		err, d.errs = d.errs[0], d.errs[1:]
	}
	onCall := d.onCall
	d.mu.Unlock()

	if onCall != nil {
		onCall()
	}
	if err != nil {
		return "", err
	}
	return "remote-" + strconv.FormatInt(item.ID, 10), nil
}

type denyLimiter struct {
	calls int
	err   error
}

func (l *denyLimiter) AllowLimit(ctx context.Context, key string, limit int) (*redis.RateLimitResult, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return &redis.RateLimitResult{Allowed: false, ResetAt: time.Now().Add(time.Minute)}, nil
}

type staticSettings struct{ s *settings.Settings }

func (s staticSettings) Get(ctx context.Context, integrationID string) (*settings.Settings, error) {
	return s.s, nil
}

type alerts struct {
	got []alert.Alert
}

func (a *alerts) Notify(ctx context.Context, al alert.Alert) error {
	a.got = append(a.got, al)
	return nil
}

type harness struct {
	dispatcher *Dispatcher
	deliverer  *scriptedDeliverer
	engine     *recovery.Engine
	queue      *queue.MemoryStore
	logs       *logstore.MemoryStore
	alerts     *alerts
	now        time.Time
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		deliverer: &scriptedDeliverer{},
		queue:     queue.NewMemoryStore(),
		logs:      logstore.NewMemoryStore(),
		alerts:    &alerts{},
		now:       time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.queue.SetClock(clock)
	h.logs.SetClock(clock)

	h.engine = recovery.NewEngine(h.queue, recovery.NewMemorySchedule(), h.logs, h.alerts, recovery.DefaultConfig(), zap.NewNop())
	h.engine.SetClock(clock, func(context.Context, time.Duration) error { return nil })

	deps := Deps{
		Queue:     h.queue,
		Deliverer: h.deliverer,
		Engine:    h.engine,
		Logs:      h.logs,
		Reports:   report.New(h.queue, h.logs, nil, zap.NewNop()),
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.dispatcher = New(deps, Config{IntegrationID: "mailchimp", BatchSize: 10}, zap.NewNop())
	return h
}

func (h *harness) enqueue(t *testing.T, priority int) int64 {
	t.Helper()
	sub := int64(900)
	id, err := h.queue.Enqueue(context.Background(), &db.QueueItem{
		FormID:       4,
		SubmissionID: &sub,
		ListID:       "L1",
		Payload:      json.RawMessage(`{"email":"a@example.com"}`),
		Priority:     priority,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) item(t *testing.T, id int64) *db.QueueItem {
	t.Helper()
	item, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return item
}

func (h *harness) logsWith(t *testing.T, status string) []*db.LogEntry {
	t.Helper()
	entries, err := h.logs.Query(context.Background(), logstore.Filters{Status: status}, 0, 0)
	require.NoError(t, err)
	return entries
}

func TestDispatchOnce_Success(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.enqueue(t, 0)

	n, err := h.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item := h.item(t, id)
	assert.Equal(t, db.StatusCompleted, item.Status)
	require.NotNil(t, item.RemoteBatchID)
	assert.Equal(t, "remote-"+strconv.FormatInt(id, 10), *item.RemoteBatchID)

	success := h.logsWith(t, db.LogSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, "mailchimp", success[0].IntegrationID)

	events := h.logs.Events()
	require.Len(t, events, 1)
	assert.Equal(t, db.EventSubscribed, events[0].EventType)
	assert.Equal(t, "L1", events[0].AudienceID)
}

func TestDispatchOnce_EmptyQueue(t *testing.T) {
	h := newHarness(t, nil)

	n, err := h.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.deliverer.calls)
}

func TestDispatchOnce_PriorityOrder(t *testing.T) {
	h := newHarness(t, nil)
	low := h.enqueue(t, 1)
	high := h.enqueue(t, 10)

	_, err := h.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, h.deliverer.calls, 2)
	assert.Equal(t, high, h.deliverer.calls[0].itemID)
	assert.Equal(t, low, h.deliverer.calls[1].itemID)
}

// Three consecutive timeouts: immediate retry with a doubled deadline,
// a deferred retry, then give-up at the third attempt.
func TestDispatch_ThreeTimeoutsGiveUp(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		filler := h.enqueue(t, 0)
		require.NoError(t, h.queue.MarkStatus(ctx, []int64{filler}, db.StatusCompleted, nil))
	}
	id := h.enqueue(t, 0)
	require.Equal(t, int64(7), id)

	h.deliverer.errs = []error{context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded}

	_, err := h.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)

	require.Len(t, h.deliverer.calls, 2)
	assert.Equal(t, 30*time.Second, h.deliverer.calls[0].timeout)
	assert.Equal(t, 60*time.Second, h.deliverer.calls[1].timeout)

	item := h.item(t, id)
	assert.Equal(t, db.StatusProcessing, item.Status, "parked until the sweep")
	assert.Equal(t, 2, item.RetryCount)
	assert.Len(t, h.logsWith(t, db.LogWarning), 1)

	h.now = h.now.Add(6 * time.Minute)
	res, err := h.engine.Sweep(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	assert.Equal(t, db.StatusRetrying, h.item(t, id).Status)

	_, err = h.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Len(t, h.deliverer.calls, 3)
	assert.Equal(t, 30*time.Second, h.deliverer.calls[2].timeout, "deadline resets per dispatch")

	item = h.item(t, id)
	assert.Equal(t, db.StatusFailed, item.Status)
	assert.Equal(t, 3, item.RetryCount)
	require.NotNil(t, item.ErrorMessage)
	assert.Contains(t, *item.ErrorMessage, "Gave up after 3 attempts")

	errs := h.logsWith(t, db.LogError)
	require.Len(t, errs, 1)
	assert.Equal(t, *item.ErrorMessage, errs[0].Message)

	require.Len(t, h.alerts.got, 1)
	assert.Equal(t, id, h.alerts.got[0].ItemID)
	assert.Equal(t, 3, h.alerts.got[0].Attempts)
}

func TestDispatch_FatalFailsImmediately(t *testing.T) {
	h := newHarness(t, nil)
	id := h.enqueue(t, 0)
	h.deliverer.errs = []error{apperr.Fatal("deliver", "Invalid API key.", 401, errors.New("401 Unauthorized"))}

	_, err := h.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)

	item := h.item(t, id)
	assert.Equal(t, db.StatusFailed, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Len(t, h.deliverer.calls, 1)
	assert.Len(t, h.alerts.got, 1)
	assert.Empty(t, h.logs.Events())
}

func TestDispatch_RateLimitedReleasesWithoutAttempt(t *testing.T) {
	limiter := &denyLimiter{}
	h := newHarness(t, func(d *Deps) { d.Limiter = limiter })
	h.dispatcher.config.RateLimitPerMinute = 10
	id := h.enqueue(t, 0)

	_, err := h.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, limiter.calls)
	assert.Empty(t, h.deliverer.calls)

	item := h.item(t, id)
	assert.Equal(t, db.StatusRetrying, item.Status)
	assert.Equal(t, 0, item.RetryCount)
}

func TestDispatch_LimiterOutageDelivers(t *testing.T) {
	limiter := &denyLimiter{err: errors.New("redis down")}
	h := newHarness(t, func(d *Deps) { d.Limiter = limiter })
	h.dispatcher.config.RateLimitPerMinute = 10
	id := h.enqueue(t, 0)

	_, err := h.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, h.item(t, id).Status)
}

func TestDispatch_SettingsDriveTimeoutAndLimit(t *testing.T) {
	limiter := &denyLimiter{}
	s := &settings.Settings{
		IntegrationID: "mailchimp",
		Values: map[string]settings.Value{
			settings.KeyTimeoutSeconds:     {Raw: "12", Type: db.SettingInt},
			settings.KeyRateLimitPerMinute: {Raw: "0", Type: db.SettingInt},
		},
	}
	h := newHarness(t, func(d *Deps) {
		d.Limiter = limiter
		d.Settings = staticSettings{s}
	})
	h.dispatcher.config.RateLimitPerMinute = 10
	h.enqueue(t, 0)

	_, err := h.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, limiter.calls, "a zero per-integration limit disables the limiter")
	require.Len(t, h.deliverer.calls, 1)
	assert.Equal(t, 12*time.Second, h.deliverer.calls[0].timeout)
}

func TestDispatchOnce_ReleasesRemainingOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	first := h.enqueue(t, 10)
	second := h.enqueue(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.deliverer.onCall = cancel

	_, err := h.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)

	assert.Len(t, h.deliverer.calls, 1)
	assert.Equal(t, db.StatusCompleted, h.item(t, first).Status)
	assert.Equal(t, db.StatusRetrying, h.item(t, second).Status)
}

// cancellingDeliverer cancels the dispatch context mid-request and
// fails only if that cancellation reaches the request.
type cancellingDeliverer struct {
	cancel context.CancelFunc
	calls  int
}

func (d *cancellingDeliverer) Deliver(ctx context.Context, integrationID string, item *db.QueueItem, timeout time.Duration) (string, error) {
	d.calls++
	d.cancel()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "remote-" + strconv.FormatInt(item.ID, 10), nil
}

type countingReports struct {
	invalidated int
}

func (r *countingReports) Invalidate(ctx context.Context) { r.invalidated++ }

func (r *countingReports) RefreshQueueDepth(ctx context.Context) (db.QueueStatistics, error) {
	return db.QueueStatistics{}, nil
}

func TestProcess_ShutdownLetsInFlightDeliveryFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliverer := &cancellingDeliverer{cancel: cancel}
	h := newHarness(t, func(d *Deps) { d.Deliverer = deliverer })
	first := h.enqueue(t, 10)
	second := h.enqueue(t, 0)

	_, err := h.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, deliverer.calls)
	assert.Equal(t, db.StatusCompleted, h.item(t, first).Status)
	assert.Equal(t, db.StatusRetrying, h.item(t, second).Status)
	assert.Empty(t, h.alerts.got)
	assert.Empty(t, h.logsWith(t, db.LogError))
}

func TestProcess_CanceledRequestReleasesWithoutAttempt(t *testing.T) {
	h := newHarness(t, nil)
	id := h.enqueue(t, 0)
	h.deliverer.errs = []error{fmt.Errorf("post members: %w", context.Canceled)}

	_, err := h.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)

	item := h.item(t, id)
	assert.Equal(t, db.StatusRetrying, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Len(t, h.deliverer.calls, 1)
	assert.Empty(t, h.alerts.got)
}

func TestProcess_FailureAfterShutdown(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus string
		wantAlerts int
	}{
		{"timeout is released", context.DeadlineExceeded, db.StatusRetrying, 0},
		{"fatal still fails", apperr.Fatal("deliver", "Invalid API key.", 401, errors.New("401 Unauthorized")), db.StatusFailed, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			id := h.enqueue(t, 0)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			h.deliverer.onCall = cancel
			h.deliverer.errs = []error{tt.err}

			_, err := h.dispatcher.DispatchOnce(ctx)
			require.NoError(t, err)

			item := h.item(t, id)
			assert.Equal(t, tt.wantStatus, item.Status)
			assert.Equal(t, 0, item.RetryCount)
			assert.Len(t, h.alerts.got, tt.wantAlerts)
		})
	}
}

func TestStart_ClosesDoneOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.dispatcher.Start(ctx)
	cancel()

	select {
	case <-h.dispatcher.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestSweepOnce_InvalidatesStats(t *testing.T) {
	reports := &countingReports{}
	h := newHarness(t, func(d *Deps) { d.Reports = reports })
	ctx := context.Background()
	id := h.enqueue(t, 0)
	h.deliverer.errs = []error{context.DeadlineExceeded, context.DeadlineExceeded}

	_, err := h.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, db.StatusProcessing, h.item(t, id).Status)

	reports.invalidated = 0
	h.dispatcher.SweepOnce(ctx)
	assert.Zero(t, reports.invalidated, "nothing due yet")

	h.now = h.now.Add(6 * time.Minute)
	h.dispatcher.SweepOnce(ctx)
	assert.Equal(t, 1, reports.invalidated)
	assert.Equal(t, db.StatusRetrying, h.item(t, id).Status)
}

func TestMaintain(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.dispatcher.config.QueueRetentionDays = 30
	h.dispatcher.config.LogRetentionDays = 30

	done := h.enqueue(t, 0)
	require.NoError(t, h.queue.MarkStatus(ctx, []int64{done}, db.StatusCompleted, nil))
	_, err := h.logs.Append(ctx, &db.LogEntry{IntegrationID: "mailchimp", Status: db.LogInfo, Message: "old"})
	require.NoError(t, err)

	stuck := h.enqueue(t, 0)
	_, err = h.queue.ClaimBatch(ctx, 10)
	require.NoError(t, err)

	h.now = h.now.AddDate(0, 0, 31)
	h.dispatcher.Maintain(ctx)

	_, err = h.queue.Get(ctx, done)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	assert.Equal(t, db.StatusRetrying, h.item(t, stuck).Status)
	assert.Empty(t, h.logsWith(t, ""))
}
