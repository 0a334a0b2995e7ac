package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formsync_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formsync_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	itemsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formsync_queue_items_enqueued_total",
			Help: "Total queue items enqueued by source",
		},
		[]string{"source"},
	)

	itemsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "formsync_queue_items_claimed_total",
			Help: "Total queue items claimed for dispatch",
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "formsync_queue_depth",
			Help: "Queue items by status at the last statistics refresh",
		},
		[]string{"status"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formsync_deliveries_total",
			Help: "Delivery attempts by integration and outcome",
		},
		[]string{"integration_id", "outcome"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formsync_delivery_latency_seconds",
			Help:    "Outbound delivery call duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"integration_id"},
	)

	recoveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formsync_recovery_outcomes_total",
			Help: "Recovery decisions by failure pattern and outcome",
		},
		[]string{"pattern", "outcome"},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formsync_cache_lookups_total",
			Help: "Cache lookups by result",
		},
		[]string{"result"},
	)

	logWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formsync_log_write_failures_total",
			Help: "Best-effort log store writes that failed",
		},
		[]string{"kind"},
	)

	alertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formsync_alerts_total",
			Help: "Operator alerts by channel and result",
		},
		[]string{"channel", "result"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "formsync_sqs_messages_in_flight",
			Help: "Current submission messages being processed from SQS",
		},
	)

	duplicateSubmissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "formsync_duplicate_submissions_total",
			Help: "Submissions dropped by the idempotency check",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formsync_rate_limit_rejections_total",
			Help: "Deliveries postponed by the outbound rate limiter",
		},
		[]string{"integration_id"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "formsync_db_connections_active",
			Help: "Acquired database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "formsync_redis_connections_active",
			Help: "Open Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEnqueued records a queue insert
func RecordEnqueued(source string) {
	itemsEnqueued.WithLabelValues(source).Inc()
}

// RecordClaimed records the size of a claimed batch
func RecordClaimed(n int) {
	itemsClaimed.Add(float64(n))
}

// SetQueueDepth sets the item count for one status
func SetQueueDepth(status string, n int64) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// RecordDelivery records the outcome of one delivery attempt
func RecordDelivery(integrationID, outcome string) {
	deliveriesTotal.WithLabelValues(integrationID, outcome).Inc()
}

// RecordDeliveryLatency records outbound call duration
func RecordDeliveryLatency(integrationID string, latency time.Duration) {
	deliveryLatency.WithLabelValues(integrationID).Observe(latency.Seconds())
}

// RecordRecovery records a recovery engine decision
func RecordRecovery(pattern, outcome string) {
	recoveryOutcomes.WithLabelValues(pattern, outcome).Inc()
}

// RecordCacheLookup records a cache hit or miss
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}

// RecordLogWriteFailure records a dropped log or analytics write
func RecordLogWriteFailure(kind string) {
	logWriteFailures.WithLabelValues(kind).Inc()
}

// RecordAlert records an operator alert attempt
func RecordAlert(channel string, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	alertsSent.WithLabelValues(channel, result).Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordDuplicateSubmission records a submission skipped as already seen
func RecordDuplicateSubmission() {
	duplicateSubmissions.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(integrationID string) {
	rateLimitRejections.WithLabelValues(integrationID).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
