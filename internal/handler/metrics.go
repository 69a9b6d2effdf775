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
		Name: "ledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ledgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ledgerAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_appends_total",
		Help: "Total blocks committed through the API.",
	})

	ledgerBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_blocks",
		Help: "Number of committed blocks in the chain.",
	})

	ledgerPersistTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_persist_operations_total",
		Help: "Save, load and autosave attempts by result.",
	}, []string{"op", "result"})

	ledgerVerificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_verification_failures_total",
		Help: "Verification requests that found a compromised block.",
	})

	ledgerIntegrityChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_integrity_checks_total",
		Help: "Background integrity passes by result.",
	}, []string{"result"})

	ledgerCompromisedBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_compromised_blocks",
		Help: "Blocks that failed the most recent integrity pass.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		ledgerRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		ledgerRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordLedgerAppend records a committed block and the new chain length.
func RecordLedgerAppend(blocks int) {
	ledgerAppendsTotal.Inc()
	ledgerBlocks.Set(float64(blocks))
}

// SetChainLength sets the chain length gauge.
func SetChainLength(blocks int) {
	ledgerBlocks.Set(float64(blocks))
}

// RecordPersist records a persistence attempt. It satisfies
// ledger.PersistRecordFunc.
func RecordPersist(op string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	ledgerPersistTotal.WithLabelValues(op, result).Inc()
}

// RecordVerificationFailure records a request that found a compromised block.
func RecordVerificationFailure() {
	ledgerVerificationFailures.Inc()
}

// RecordIntegrityCheck records a background integrity pass. It matches
// integrity.MetricsRecordFunc.
func RecordIntegrityCheck(valid bool, failing int) {
	if valid {
		ledgerIntegrityChecks.WithLabelValues("valid").Inc()
	} else {
		ledgerIntegrityChecks.WithLabelValues("compromised").Inc()
	}
	ledgerCompromisedBlocks.Set(float64(failing))
}
