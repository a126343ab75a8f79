// Package telemetry provides logging setup and Prometheus metrics for the audit platform.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and served on the
// side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<AUDIT_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Audit draft saves and completions
//   - Monthly index appends, by outcome
//   - Blob store operation latency
//   - Media uploads
//   - Index reconciliation repairs
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() rather than the raw URL. Audit metrics never carry audit,
// site, or user identifiers as labels.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Error rate (%):          sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:   histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Audit lifecycle metrics.
//
// AuditDraftSavesTotal counts accepted draft writes. AuditCompletionsTotal counts
// completion requests by outcome: "created" for a new final record, "existing" when the
// record was already present and was returned unchanged.
//
// AuditScorePercent is the distribution of final scores and is useful for spotting
// templates that almost always fail.
var (
	AuditDraftSavesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_draft_saves_total",
			Help: "Total number of audit drafts written to the blob store.",
		},
	)

	AuditCompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_completions_total",
			Help: "Total number of audit completions, by outcome.",
		},
		[]string{"outcome"},
	)

	AuditScorePercent = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_score_percent",
			Help:    "Distribution of final audit scores.",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)
)

// IndexAppendsTotal counts monthly index writes by result: "appended", "duplicate"
// (entry already present, nothing written) or "failed".
//
// Example PromQL queries:
//   - Alert expression:  increase(audit_index_appends_total{result="failed"}[15m]) > 0
var IndexAppendsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_index_appends_total",
		Help: "Total number of monthly index append attempts, by result.",
	},
	[]string{"result"},
)

// StorageOperationDuration is a HistogramVec with labels {operation, result} covering
// every blob store call made by the audit service.
var StorageOperationDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "storage_operation_duration_seconds",
		Help:    "Duration of blob store operations, by operation and result.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation", "result"},
)

// Media metrics.
var (
	MediaUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_uploads_total",
			Help: "Total number of media uploads received, by result.",
		},
		[]string{"result"},
	)

	MediaUploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "media_upload_bytes",
			Help:    "Size of accepted media uploads in bytes.",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 10),
		},
	)
)

// IndexReconcileRepairsTotal counts index entries added by the reconciliation sweep.
// A non-zero rate means completions are hitting index write failures.
var IndexReconcileRepairsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "audit_index_reconcile_repairs_total",
		Help: "Total number of missing monthly index entries restored by the reconciliation sweep.",
	},
)

// DBOpenConnections tracks open connections held by the sql.DB pool. Sampled every
// 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// ObserveStorage records the duration of one blob store call started at start.
func ObserveStorage(operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StorageOperationDuration.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
}

// StartDBStatsCollector samples sql.DB pool statistics every 30 seconds. The goroutine
// exits once the database stops answering pings, which happens at shutdown.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
