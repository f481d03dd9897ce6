// Package metrics provides Prometheus instrumentation for the settlement
// coordinator.
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
			Namespace: "gigescrow",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gigescrow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OperationsTotal counts escrow operations by kind and final status.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gigescrow",
			Name:      "escrow_operations_total",
			Help:      "Total escrow operations by kind and final status.",
		},
		[]string{"kind", "status"},
	)

	// TransitionsTotal counts gig lifecycle transitions by event and result.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gigescrow",
			Name:      "transitions_total",
			Help:      "Total gig transitions by event and result.",
		},
		[]string{"event", "result"},
	)

	// ConfirmationDuration observes time from broadcast to confirmation.
	ConfirmationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gigescrow",
		Name:      "confirmation_duration_seconds",
		Help:      "Time from broadcast to confirmed outcome in seconds.",
		Buckets:   []float64{1, 3, 5, 10, 30, 60, 120, 300, 600},
	})

	// SweeperRunsTotal counts reconciliation sweeps.
	SweeperRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gigescrow",
		Name:      "sweeper_runs_total",
		Help:      "Total reconciliation sweeps executed.",
	})

	// SweeperRepairsTotal counts operations whose fate the sweeper settled.
	SweeperRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gigescrow",
			Name:      "sweeper_repairs_total",
			Help:      "Stale operations resolved by the sweeper, by outcome.",
		},
		[]string{"outcome"},
	)

	// QuarantinedGigs tracks gigs flagged for manual review.
	QuarantinedGigs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gigescrow",
		Name:      "quarantined_gigs_total",
		Help:      "Total gigs quarantined after an invariant breach.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gigescrow", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gigescrow", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gigescrow", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gigescrow", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OperationsTotal,
		TransitionsTotal,
		ConfirmationDuration,
		SweeperRunsTotal,
		SweeperRepairsTotal,
		QuarantinedGigs,
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
