// Package metrics provides Prometheus instrumentation for the settlement core.
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
			Namespace: "marketsettle",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketsettle",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrderTransitionsTotal counts accepted order transitions by action.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsettle",
			Name:      "order_transitions_total",
			Help:      "Total accepted order transitions by action.",
		},
		[]string{"action"},
	)

	// EscrowOperationsTotal counts escrow operations by type.
	EscrowOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsettle",
			Name:      "escrow_operations_total",
			Help:      "Total escrow operations by type.",
		},
		[]string{"operation"},
	)

	// EscrowAutoReleasedTotal counts holds released by the sweeper.
	EscrowAutoReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketsettle",
		Name:      "escrow_auto_released_total",
		Help:      "Total escrow holds auto-released after the hold window elapsed.",
	})

	// DisputesTotal counts dispute lifecycle events by stage.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsettle",
			Name:      "disputes_total",
			Help:      "Total dispute lifecycle events by stage.",
		},
		[]string{"stage"},
	)

	// DisputeResolutionDuration observes raise-to-resolution time.
	DisputeResolutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marketsettle",
		Name:      "dispute_resolution_duration_seconds",
		Help:      "Time from dispute raise to resolution in seconds.",
		Buckets:   []float64{60, 300, 1800, 3600, 21600, 86400, 259200, 604800},
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marketsettle",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketsettle", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketsettle", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketsettle", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketsettle", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrderTransitionsTotal,
		EscrowOperationsTotal,
		EscrowAutoReleasedTotal,
		DisputesTotal,
		DisputeResolutionDuration,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
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
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
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
