package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/metrics"
	"github.com/lalithlochan/formsync/internal/redis"
)

// NewRouter mounts the admin API. limiter may be nil.
func NewRouter(h *Handler, limiter *redis.RateLimiter, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, logger, IPKeyFunc))

		r.Get("/queue/stats", h.QueueStats)
		r.Get("/queue/items/{id}", h.QueueItem)
		r.Post("/queue/retry-failed", h.RetryFailed)
		r.Post("/queue/purge", h.PurgeQueue)

		r.Get("/logs", h.ListLogs)
		r.Get("/logs/stats", h.LogStats)
		r.Get("/logs/export", h.ExportLogs)
		r.Delete("/logs", h.DeleteLogs)

		r.Get("/circuit-breakers", h.CircuitBreakers)
		r.Post("/circuit-breakers/{integrationID}/reset", h.ResetCircuitBreaker)

		r.Post("/submissions", h.CreateSubmission)

		r.Put("/integrations/{integrationID}/settings/{key}", h.PutSetting)
		r.Get("/forms/{id}/fields", h.GetFormFields)
		r.Put("/forms/{id}/fields", h.PutFormFields)
		r.Put("/forms/{id}/mappings", h.PutFieldMapping)
		r.Delete("/forms/{id}/cache", h.InvalidateForm)
	})

	return r
}
