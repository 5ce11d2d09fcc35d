// Package metrics provides Prometheus instrumentation for the Kindling safety engine.
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
			Namespace: "kindling",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kindling",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// IncidentsTotal counts safety incidents by type and escalation level.
	IncidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kindling",
			Subsystem: "safety",
			Name:      "incidents_total",
			Help:      "Total safety incidents by type and assigned escalation level.",
		},
		[]string{"type", "level"},
	)

	// NotificationAttemptsTotal counts notification dispatch attempts by channel and result.
	NotificationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kindling",
			Subsystem: "safety",
			Name:      "notification_attempts_total",
			Help:      "Total notification dispatch attempts by channel and result.",
		},
		[]string{"channel", "result"},
	)

	// FallbackActivationsTotal counts fail-open fallback path activations.
	FallbackActivationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kindling",
			Subsystem: "safety",
			Name:      "fallback_activations_total",
			Help:      "Total escalations that fell back to the minimal notification path.",
		},
	)

	// AccountLocksTotal counts account locks acquired by reason.
	AccountLocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kindling",
			Subsystem: "safety",
			Name:      "account_locks_total",
			Help:      "Total account locks acquired, by reason.",
		},
		[]string{"reason"},
	)

	// DispatchDuration observes the full fan-out time for one incident.
	DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kindling",
		Subsystem: "safety",
		Name:      "dispatch_duration_seconds",
		Help:      "Time to settle all notification units for one incident.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// InFlightNotifications tracks currently running notification units.
	InFlightNotifications = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kindling",
		Subsystem: "safety",
		Name:      "inflight_notifications",
		Help:      "Number of notification units currently in flight.",
	})

	// RiskAssessmentsTotal counts risk assessments by resulting level.
	RiskAssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kindling",
			Subsystem: "risk",
			Name:      "assessments_total",
			Help:      "Total risk assessments by resulting risk level.",
		},
		[]string{"level"},
	)

	// AutoSuspendsTotal counts automatic suspensions triggered by critical scores.
	AutoSuspendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kindling",
		Subsystem: "risk",
		Name:      "auto_suspends_total",
		Help:      "Total automatic account suspensions from critical risk scores.",
	})

	// RiskScore observes the distribution of computed risk scores.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kindling",
		Subsystem: "risk",
		Name:      "score",
		Help:      "Distribution of computed risk scores (0-100).",
		Buckets:   []float64{10, 25, 40, 50, 60, 75, 90, 100},
	})

	// ActiveWebSocketClients tracks connected ops-console WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kindling",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kindling", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kindling", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kindling", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kindling", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		IncidentsTotal,
		NotificationAttemptsTotal,
		FallbackActivationsTotal,
		AccountLocksTotal,
		DispatchDuration,
		InFlightNotifications,
		RiskAssessmentsTotal,
		AutoSuspendsTotal,
		RiskScore,
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
