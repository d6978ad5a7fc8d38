package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	spPatchesInstalled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "schemapatch_patches_installed",
		Help: "Number of patches currently recorded as installed.",
	})

	spPatchOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schemapatch_patch_operations_total",
		Help: "Ledger operations by kind (apply, skip, revert) and outcome.",
	}, []string{"kind", "outcome"})

	spRunsClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "schemapatch_runs_closed_total",
		Help: "Total run-closed notifications observed.",
	})

	spRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schemapatch_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	spRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "schemapatch_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
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

		spRequestsTotal.WithLabelValues(method, path, status).Inc()
		spRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordPatchOp records one ledger operation outcome.
func RecordPatchOp(kind, outcome string) {
	spPatchOpsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordRunClosed records one observed run-closed notification.
func RecordRunClosed() {
	spRunsClosedTotal.Inc()
}

// SetInstalledGauge sets the installed-patch count gauge.
func SetInstalledGauge(count float64) {
	spPatchesInstalled.Set(count)
}
