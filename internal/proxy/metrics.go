package proxy

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels for proxyCalls.
const (
	outcomeCharged     = "charged"
	outcomePassthrough = "upstream_status"
	outcomeDenied      = "policy_denied"
	outcomeNoFunds     = "insufficient_balance"
	outcomeUpstream    = "upstream_error"
	outcomeNotFound    = "not_found"
	outcomeInvalid     = "invalid_request"
	outcomeError       = "internal_error"
)

var (
	proxyCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saturn",
			Subsystem: "proxy",
			Name:      "calls_total",
			Help:      "Proxied calls by outcome.",
		},
		[]string{"outcome"},
	)

	upstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "saturn",
			Subsystem: "proxy",
			Name:      "upstream_latency_seconds",
			Help:      "Upstream request latency by service.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(proxyCalls, upstreamLatency)
}
