package policy

import "github.com/prometheus/client_golang/prometheus"

var (
	evaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saturn",
			Subsystem: "policy",
			Name:      "evaluations_total",
			Help:      "Policy decisions, labeled allowed or by denial reason.",
		},
		[]string{"outcome"},
	)

	spendCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "saturn",
		Subsystem: "policy",
		Name:      "spend_cache_hits_total",
		Help:      "Daily-spend lookups served from cache.",
	})

	spendCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "saturn",
		Subsystem: "policy",
		Name:      "spend_cache_misses_total",
		Help:      "Daily-spend lookups that hit the audit store.",
	})
)

func init() {
	prometheus.MustRegister(evaluations, spendCacheHits, spendCacheMisses)
}
