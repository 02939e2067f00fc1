package auth

import "github.com/prometheus/client_golang/prometheus"

var (
	authCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "saturn",
		Subsystem: "auth",
		Name:      "cache_hits_total",
		Help:      "Token verifications served from the identity cache.",
	})
	authCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "saturn",
		Subsystem: "auth",
		Name:      "cache_misses_total",
		Help:      "Token verifications that required a full credential check.",
	})
	authCacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "saturn",
		Subsystem: "auth",
		Name:      "cache_evictions_total",
		Help:      "Identity cache entries evicted by the size bound.",
	})
)

func init() {
	prometheus.MustRegister(authCacheHits, authCacheMisses, authCacheEvictions)
}
