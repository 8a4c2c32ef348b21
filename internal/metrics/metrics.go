// Package metrics provides Prometheus instrumentation for the lipalink platform.
package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lipalink",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lipalink",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowHoldsTotal counts escrow hold transitions by resulting status.
	EscrowHoldsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lipalink",
			Name:      "escrow_holds_total",
			Help:      "Total escrow hold transitions by resulting status.",
		},
		[]string{"status"},
	)

	// PayoutsTotal counts payout attempts by result.
	PayoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lipalink",
			Name:      "payouts_total",
			Help:      "Total payout attempts by result.",
		},
		[]string{"result"},
	)

	// WebhookEventsTotal counts inbound gateway webhook events by kind and outcome.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lipalink",
			Name:      "webhook_events_total",
			Help:      "Total inbound gateway webhook events by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// GatewayRequestsTotal counts outbound payment-gateway calls by operation and result.
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lipalink",
			Name:      "gateway_requests_total",
			Help:      "Total outbound payment gateway requests by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// ReconciliationDrift tracks the absolute drift detected by the last
	// ledger reconciliation sweep, in minor units.
	ReconciliationDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lipalink",
			Name:      "reconciliation_drift_minor_units",
			Help:      "Absolute ledger/hold drift found by the last reconciliation sweep.",
		},
	)

	// ActiveStreamClients tracks connected WebSocket clients.
	ActiveStreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lipalink",
			Name:      "active_stream_clients",
			Help:      "Number of currently connected event stream clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lipalink", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lipalink", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lipalink", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowHoldsTotal,
		PayoutsTotal,
		WebhookEventsTotal,
		GatewayRequestsTotal,
		ReconciliationDrift,
		ActiveStreamClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, statusLabel(c.Writer.Status()),
		).Inc()
		HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path,
		).Observe(time.Since(start).Seconds())
	}
}

func statusLabel(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// CollectDBStats samples sql.DB pool stats into gauges every interval
// until ctx is cancelled. Call in a goroutine.
func CollectDBStats(ctx context.Context, db *sql.DB, interval time.Duration) {
	if db == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
		}
	}
}
