package invoices

import "github.com/prometheus/client_golang/prometheus"

var (
	invoicesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "saturn",
		Subsystem: "invoices",
		Name:      "created_total",
		Help:      "Total Lightning invoices issued.",
	})

	invoicesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "saturn",
		Subsystem: "invoices",
		Name:      "expired_total",
		Help:      "Total invoices expired without settling.",
	})

	settlements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saturn",
		Subsystem: "invoices",
		Name:      "settlements_total",
		Help:      "Settlement events by result.",
	}, []string{"result"})

	settledSats = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "saturn",
		Subsystem: "invoices",
		Name:      "settled_sats_total",
		Help:      "Total sats credited from settled invoices.",
	})

	streamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "saturn",
		Subsystem: "invoices",
		Name:      "stream_reconnects_total",
		Help:      "Settlement stream subscribe attempts that failed.",
	})

	webhookRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "saturn",
		Subsystem: "invoices",
		Name:      "webhook_rejected_total",
		Help:      "Lightning webhook requests failing signature verification.",
	})
)

func init() {
	prometheus.MustRegister(
		invoicesCreated,
		invoicesExpired,
		settlements,
		settledSats,
		streamReconnects,
		webhookRejected,
	)
}
