package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ledgerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidentry_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ledgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evidentry_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ledgerIngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidentry_receipts_ingested_total",
		Help: "Total receipt ingestion attempts by outcome.",
	}, []string{"outcome"})

	ledgerBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidentry_batches_total",
		Help: "Total courier batch submissions by outcome.",
	}, []string{"outcome"})

	ledgerVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidentry_verifications_total",
		Help: "Total integrity verifications by result.",
	}, []string{"result"})

	ledgerRetentionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidentry_retention_transitions_total",
		Help: "Total retention state transitions by target state.",
	}, []string{"state"})

	ledgerRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evidentry_rate_limited_total",
		Help: "Total requests rejected by the per-client rate limiter.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		ledgerRequestsTotal.WithLabelValues(method, path, status).Inc()
		ledgerRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordIngest records a single-receipt ingestion outcome.
func RecordIngest(outcome string) {
	ledgerIngestTotal.WithLabelValues(outcome).Inc()
}

// RecordBatch records a courier batch submission outcome.
func RecordBatch(outcome string) {
	ledgerBatchesTotal.WithLabelValues(outcome).Inc()
}

// RecordVerification records an integrity verification result.
func RecordVerification(result string) {
	ledgerVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordRetentionTransition records a retention state transition.
func RecordRetentionTransition(state string) {
	ledgerRetentionTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordRateLimited records a request refused for exceeding the rate limit.
func RecordRateLimited() {
	ledgerRateLimitedTotal.Inc()
}
