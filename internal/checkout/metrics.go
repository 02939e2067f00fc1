package checkout

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "saturn",
		Subsystem: "checkout",
		Name:      "sessions_created_total",
		Help:      "Total card checkout sessions opened.",
	})

	sessionsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "saturn",
		Subsystem: "checkout",
		Name:      "sessions_expired_total",
		Help:      "Total checkout sessions expired without completing.",
	})

	completions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saturn",
		Subsystem: "checkout",
		Name:      "completions_total",
		Help:      "Checkout completion events by result.",
	}, []string{"result"})

	creditedUSDCents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "saturn",
		Subsystem: "checkout",
		Name:      "credited_usd_cents_total",
		Help:      "Total cents credited from completed checkouts.",
	})

	webhookRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "saturn",
		Subsystem: "checkout",
		Name:      "webhook_rejected_total",
		Help:      "Provider webhook requests failing signature verification.",
	})
)

func init() {
	prometheus.MustRegister(
		sessionsCreated,
		sessionsExpired,
		completions,
		creditedUSDCents,
		webhookRejected,
	)
}
