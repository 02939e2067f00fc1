package pricing

import "github.com/prometheus/client_golang/prometheus"

var rateRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "saturn",
	Subsystem: "pricing",
	Name:      "rate_refreshes_total",
	Help:      "Rate refresh attempts by result (ok, error, skipped).",
}, []string{"result"})

var repricedRows = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "saturn",
	Subsystem: "pricing",
	Name:      "repriced_rows_total",
	Help:      "Pricing rows whose sats price was rewritten after a rate change.",
})

func init() {
	prometheus.MustRegister(rateRefreshes, repricedRows)
}
