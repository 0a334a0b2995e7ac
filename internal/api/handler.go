package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/apperr"
	"github.com/lalithlochan/formsync/internal/circuitbreaker"
	"github.com/lalithlochan/formsync/internal/db"
	"github.com/lalithlochan/formsync/internal/ingest"
	"github.com/lalithlochan/formsync/internal/logstore"
	"github.com/lalithlochan/formsync/internal/queue"
	"github.com/lalithlochan/formsync/internal/sqs"
)

// Reports serves cached dashboard statistics.
type Reports interface {
	QueueStatistics(ctx context.Context) (db.QueueStatistics, error)
	LogStats(ctx context.Context, f logstore.Filters) (logstore.Stats, error)
	Invalidate(ctx context.Context)
}

// Publisher hands a submission to the ingestion queue.
type Publisher interface {
	Publish(ctx context.Context, msg *sqs.SubmissionMessage) (string, error)
}

// Ingester enqueues a submission directly.
type Ingester interface {
	Ingest(ctx context.Context, msg *sqs.SubmissionMessage) (ingest.Result, error)
}

// RetryCounter reports scheduled retries not yet due.
type RetryCounter interface {
	Pending(ctx context.Context) (int64, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of the handler. Everything after Reports
// is optional.
type Deps struct {
	Queue     queue.Store
	Logs      logstore.Store
	Reports   Reports
	Breakers  *circuitbreaker.Registry
	Publisher Publisher
	Ingester  Ingester
	Retries   RetryCounter
	Config    Configurator
	Health    map[string]HealthCheck
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// SubmissionRequest is the body of POST /v1/submissions.
type SubmissionRequest struct {
	IntegrationID string          `json:"integration_id"`
	FormID        int64           `json:"form_id" validate:"gte=0"`
	SubmissionID  *int64          `json:"submission_id,omitempty"`
	ListID        string          `json:"list_id" validate:"required"`
	Priority      int             `json:"priority"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
}

const defaultRetentionDays = 30

// Handler holds dependencies for API handlers
type Handler struct {
	deps     Deps
	logger   *zap.Logger
	validate *validator.Validate
}

// NewHandler creates a new API handler
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{
		deps:     deps,
		logger:   logger,
		validate: validator.New(),
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.deps.Health))
	status := http.StatusOK
	for name, check := range h.deps.Health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": overall,
		"checks": checks,
	})
}

// QueueStats handles GET /v1/queue/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.deps.Reports.QueueStatistics(ctx)
	if err != nil {
		h.writeErr(w, "queue statistics", err)
		return
	}

	resp := map[string]interface{}{"queue": stats}
	if h.deps.Retries != nil {
		n, err := h.deps.Retries.Pending(ctx)
		if err != nil {
			h.logger.Warn("failed to count scheduled retries", zap.Error(err))
		} else {
			resp["scheduled_retries"] = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// QueueItem handles GET /v1/queue/items/{id}
func (h *Handler) QueueItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid queue item ID", "ID must be a positive integer")
		return
	}

	item, err := h.deps.Queue.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Queue item not found", "")
		return
	}
	if err != nil {
		h.writeErr(w, "get queue item", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// RetryFailed handles POST /v1/queue/retry-failed
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	n, err := h.deps.Queue.RetryAllFailed(ctx)
	if err != nil {
		h.writeErr(w, "retry failed", err)
		return
	}
	h.deps.Reports.Invalidate(ctx)

	h.logger.Info("failed queue items reset by operator", zap.Int64("count", n))
	writeJSON(w, http.StatusOK, map[string]int64{"reset": n})
}

// PurgeQueue handles POST /v1/queue/purge?older_than_days=N
func (h *Handler) PurgeQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	days, err := intParam(r, "older_than_days", defaultRetentionDays)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid older_than_days", err.Error())
		return
	}

	n, err := h.deps.Queue.PurgeTerminal(ctx, days)
	if err != nil {
		h.writeErr(w, "purge queue", err)
		return
	}
	h.deps.Reports.Invalidate(ctx)
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// ListLogs handles GET /v1/logs?integration_id=&form_id=&status=&date_from=&date_to=&limit=&offset=
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid filters", err.Error())
		return
	}
	limit, _ := intParam(r, "limit", logstore.DefaultLimit)
	offset, _ := intParam(r, "offset", 0)

	entries, err := h.deps.Logs.Query(r.Context(), f, limit, offset)
	if err != nil {
		h.writeErr(w, "list logs", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   entries,
		"limit":  limit,
		"offset": offset,
		"count":  len(entries),
	})
}

// LogStats handles GET /v1/logs/stats
func (h *Handler) LogStats(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid filters", err.Error())
		return
	}

	stats, err := h.deps.Reports.LogStats(r.Context(), f)
	if err != nil {
		h.writeErr(w, "log statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ExportLogs handles GET /v1/logs/export and returns an xlsx workbook.
func (h *Handler) ExportLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f, err := parseFilters(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid filters", err.Error())
		return
	}

	entries, err := collectLogs(ctx, h.deps.Logs, f, maxExportRows)
	if err != nil {
		h.writeErr(w, "export logs", err)
		return
	}

	buf, err := buildLogWorkbook(entries)
	if err != nil {
		h.logger.Error("failed to build log export", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "export_error", "Failed to build export", "")
		return
	}

	filename := "integration_logs_" + time.Now().UTC().Format("20060102_150405") + ".xlsx"
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// DeleteLogs handles DELETE /v1/logs?older_than_days=N
func (h *Handler) DeleteLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	days, err := intParam(r, "older_than_days", defaultRetentionDays)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid older_than_days", err.Error())
		return
	}

	n, err := h.deps.Logs.DeleteOlderThan(ctx, days)
	if err != nil {
		h.writeErr(w, "delete logs", err)
		return
	}
	h.deps.Reports.Invalidate(ctx)
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// CircuitBreakers handles GET /v1/circuit-breakers
func (h *Handler) CircuitBreakers(w http.ResponseWriter, r *http.Request) {
	stats := []circuitbreaker.Stats{}
	if h.deps.Breakers != nil {
		stats = h.deps.Breakers.Stats()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": stats})
}

// ResetCircuitBreaker handles POST /v1/circuit-breakers/{integrationID}/reset
func (h *Handler) ResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "integrationID")
	if h.deps.Breakers == nil || !h.deps.Breakers.Reset(id) {
		h.writeError(w, http.StatusNotFound, "not_found", "Circuit breaker not found", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"integration_id": id, "state": circuitbreaker.StateClosed.String()})
}

// CreateSubmission handles POST /v1/submissions. With an ingestion
// queue configured the submission is published and accepted; otherwise
// it is enqueued directly.
func (h *Handler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "list_id and payload are required")
		return
	}

	msg := &sqs.SubmissionMessage{
		Key:           r.Header.Get("Idempotency-Key"),
		IntegrationID: req.IntegrationID,
		FormID:        req.FormID,
		SubmissionID:  req.SubmissionID,
		ListID:        req.ListID,
		Priority:      req.Priority,
		Payload:       req.Payload,
	}

	if h.deps.Publisher != nil {
		msgID, err := h.deps.Publisher.Publish(ctx, msg)
		if err != nil {
			h.logger.Error("failed to publish submission", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue submission", "")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"message_id": msgID})
		return
	}

	if h.deps.Ingester == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Submission intake disabled", "")
		return
	}

	res, err := h.deps.Ingester.Ingest(ctx, msg)
	if err != nil {
		h.writeErr(w, "create submission", err)
		return
	}
	if res.Duplicate {
		w.Header().Set("X-Idempotency-Replayed", "true")
		writeJSON(w, http.StatusOK, map[string]int64{"queue_item_id": res.QueueItemID})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"queue_item_id": res.QueueItemID})
}

// parseFilters reads log filters. Dates are YYYY-MM-DD or RFC3339; a
// date-only date_to covers the whole day.
func parseFilters(r *http.Request) (logstore.Filters, error) {
	q := r.URL.Query()
	f := logstore.Filters{
		IntegrationID: q.Get("integration_id"),
		Status:        q.Get("status"),
	}

	if s := q.Get("form_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id < 0 {
			return f, errors.New("form_id must be a non-negative integer")
		}
		f.FormID = id
	}
	switch f.Status {
	case "", db.LogInfo, db.LogSuccess, db.LogWarning, db.LogError:
	default:
		return f, errors.New("status must be one of: info, success, warning, error")
	}

	var err error
	if f.DateFrom, err = parseDate(q.Get("date_from"), false); err != nil {
		return f, errors.New("date_from must be YYYY-MM-DD or RFC3339")
	}
	if f.DateTo, err = parseDate(q.Get("date_to"), true); err != nil {
		return f, errors.New("date_to must be YYYY-MM-DD or RFC3339")
	}
	if !f.DateFrom.IsZero() && !f.DateTo.IsZero() && f.DateTo.Before(f.DateFrom) {
		return f, errors.New("date_to must not be before date_from")
	}
	return f, nil
}

func parseDate(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(logstore.DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := strings.TrimSpace(r.URL.Query().Get(name))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

// writeErr maps an application error onto a problem response.
func (h *Handler) writeErr(w http.ResponseWriter, op string, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Kind == apperr.KindValidation {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", ae.Message)
		return
	}

	h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	h.writeError(w, http.StatusInternalServerError, "internal_error", "Request failed", "")
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
