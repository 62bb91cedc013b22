// Package metrics holds the Prometheus collectors of the credit engine.
//
// Collectors are registered on the default registry at init through
// promauto, so importing the package is enough to expose them on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "credit"

// Result labels for OperationsTotal.
const (
	ResultOK        = "ok"
	ResultRejected  = "rejected"
	ResultConflict  = "conflict"
	ResultNotFound  = "not_found"
	ResultError     = "error"
	ConflictLock    = "lock"
	ConflictVersion = "version"
	CacheHit        = "hit"
	CacheMiss       = "miss"
)

// ─── Engine ─────────────────────────────────────────────────────────────────

var OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "engine",
	Name:      "operations_total",
	Help:      "Credit operations by operation and result.",
}, []string{"operation", "result"})

var OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "engine",
	Name:      "operation_duration_seconds",
	Help:      "End-to-end latency of credit operations including lock wait.",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation"})

var LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "engine",
	Name:      "lock_wait_seconds",
	Help:      "Time spent waiting for the per-farmer lock.",
	Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
})

var ConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "engine",
	Name:      "conflicts_total",
	Help:      "Concurrency conflicts by source (lock timeout or version check).",
}, []string{"source"})

var AmountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "amount_kes_total",
	Help:      "Sum of committed transaction amounts in KES by transaction type.",
}, []string{"type"})

// ─── History ────────────────────────────────────────────────────────────────

var HistoryCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "history",
	Name:      "cache_requests_total",
	Help:      "History cache lookups by result.",
}, []string{"result"})

// ─── Settlement scheduler ───────────────────────────────────────────────────

var SettlementRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "settlement",
	Name:      "runs_total",
	Help:      "Scheduled settlement attempts by status.",
}, []string{"status"})

var SettlementLastRun = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "settlement",
	Name:      "last_run_timestamp_seconds",
	Help:      "Unix time of the last completed scheduler sweep.",
})

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
