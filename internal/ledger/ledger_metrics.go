package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saturn",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "saturn",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// holdResults counts hold attempts by currency and result.
	holdResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saturn",
			Subsystem: "ledger",
			Name:      "hold_attempts_total",
			Help:      "Hold attempts by currency and result.",
		},
		[]string{"currency", "result"},
	)

	// accountingErrors counts zero-row settles and releases. Any nonzero
	// value here means held counters diverged from in-flight holds.
	accountingErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saturn",
			Subsystem: "ledger",
			Name:      "accounting_errors_total",
			Help:      "Settle/release operations that matched no row.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		holdResults,
		accountingErrors,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
