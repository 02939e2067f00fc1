package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	entriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saturn",
			Subsystem: "audit",
			Name:      "entries_total",
			Help:      "Audit entries written, by policy result",
		},
		[]string{"policy_result"},
	)

	entriesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "saturn",
			Subsystem: "audit",
			Name:      "entry_failures_total",
			Help:      "Audit entries that failed to persist",
		},
	)
)

func init() {
	prometheus.MustRegister(entriesTotal, entriesFailed)
}
