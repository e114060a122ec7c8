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
	sealRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seal_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	sealRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seal_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	sealTransactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seal_transactions_total",
		Help: "Total application transactions appended to the ledger.",
	})

	sealChunksForcedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seal_chunks_forced_total",
		Help: "Total governance requests to force a chunk rotation.",
	})

	sealSnapshotsTriggeredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seal_snapshots_triggered_total",
		Help: "Total governance requests to trigger a snapshot.",
	})

	sealSnapshotsCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seal_snapshots_committed_total",
		Help: "Total snapshots that reached the committed state.",
	})

	sealSnapshotBytesServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seal_snapshot_bytes_served_total",
		Help: "Total snapshot bytes served through range requests.",
	})

	sealRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seal_rate_limited_total",
		Help: "Total requests rejected by the per-IP rate limiter, by request class.",
	}, []string{"class"})
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

		sealRequestsTotal.WithLabelValues(method, path, status).Inc()
		sealRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func recordTransactionAppended() { sealTransactionsTotal.Inc() }

func recordRateLimited(class string) { sealRateLimitedTotal.WithLabelValues(class).Inc() }
func recordChunkForced()         { sealChunksForcedTotal.Inc() }
func recordSnapshotTriggered()   { sealSnapshotsTriggeredTotal.Inc() }

// RecordSnapshotCommitted is wired as the snapshot service's OnCommitted
// callback.
func RecordSnapshotCommitted() { sealSnapshotsCommittedTotal.Inc() }

func recordSnapshotBytesServed(n int64) {
	if n > 0 {
		sealSnapshotBytesServed.Add(float64(n))
	}
}
