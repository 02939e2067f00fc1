// Package metrics provides Prometheus instrumentation for the Saturn gateway.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saturn",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "saturn",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// CreditsTotal counts wallet credits by type (credit_lightning, credit_card).
	CreditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saturn",
			Name:      "credits_total",
			Help:      "Total wallet credits applied by type.",
		},
		[]string{"type"},
	)

	// CreditedAmount observes credited amounts by currency.
	CreditedAmount = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "saturn",
			Name:      "credited_amount",
			Help:      "Distribution of credited amounts by currency unit.",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"currency"},
	)

	// BTCUSDRate tracks the cached BTC-USD rate used for pricing.
	BTCUSDRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "saturn",
			Name:      "btc_usd_rate",
			Help:      "Cached BTC-USD rate in whole dollars per BTC.",
		},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "saturn",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "saturn", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "saturn", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "saturn", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "saturn", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "saturn", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "saturn", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CreditsTotal,
		CreditedAmount,
		BTCUSDRate,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector samples sql.DBStats and the goroutine count into
// the gauges above, once immediately and then every interval until ctx is
// done. Run it in its own goroutine.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sampleDB(db)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sampleDB(db *sql.DB) {
	st := db.Stats()
	DBOpenConnections.Set(float64(st.OpenConnections))
	DBIdleConnections.Set(float64(st.Idle))
	DBInUseConnections.Set(float64(st.InUse))
	DBWaitCount.Set(float64(st.WaitCount))
	DBWaitDuration.Set(st.WaitDuration.Seconds())
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// Middleware records a latency observation and a counted request for every
// call, labeled by the matched route pattern so path parameters do not
// explode label cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			// No route matched (404s); collapse them into one label.
			route = "unrouted"
		}
		method := c.Request.Method
		HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the registry in Prometheus text format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusBucket(code int) string {
	switch b := code / 100; {
	case b <= 1:
		return "1xx"
	case b == 2:
		return "2xx"
	case b == 3:
		return "3xx"
	case b == 4:
		return "4xx"
	default:
		return "5xx"
	}
}
