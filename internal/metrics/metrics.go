// Package metrics provides Prometheus instrumentation for the escrow service.
package metrics

import (
	"database/sql"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradeescrow"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// NotificationsTotal counts notifications by type and delivery result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total notifications by type and result.",
		},
		[]string{"type", "result"},
	)

	// PaymentRailRetriesTotal counts retried payment rail attempts.
	PaymentRailRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_rail_retries_total",
			Help:      "Total payment rail attempts that failed and were retried, by operation.",
		},
		[]string{"operation"},
	)

	// PaymentRailRequestsTotal counts calls to the payment rail.
	PaymentRailRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_rail_requests_total",
			Help:      "Total payment rail requests by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// CacheRequestsTotal counts cache lookups by result (hit, miss, error).
	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Total cache lookups by result.",
		},
		[]string{"result"},
	)

	// --- Escrow engine ---

	EscrowCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_created_total",
		Help:      "Total escrows created.",
	})

	EscrowTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_transitions_total",
		Help:      "Committed escrow state transitions.",
	}, []string{"from", "to"})

	EscrowRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_rejected_total",
		Help:      "Escrow commands rejected before commit, by action and reason.",
	}, []string{"action", "reason"})

	EscrowCASConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_cas_conflicts_total",
		Help:      "Transitions that lost a compare-and-swap race.",
	})

	EscrowPortFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_port_failures_total",
		Help:      "Post-commit external port failures by port.",
	}, []string{"port"})

	EscrowRatingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_ratings_total",
		Help:      "Ratings recorded by rater role.",
	}, []string{"role"})

	EscrowSweepRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_sweep_runs_total",
		Help:      "Timeout sweeper runs.",
	})

	EscrowSweepRefundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_sweep_refunds_total",
		Help:      "Escrows auto-refunded after timeout.",
	})

	EscrowSweepFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_sweep_failures_total",
		Help:      "Expired escrows the sweeper failed to refund.",
	})

	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter, by key kind.",
	}, []string{"kind"})

	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to a terminal state in seconds.",
		Buckets:   []float64{60, 600, 3600, 6 * 3600, 86400, 3 * 86400, 7 * 86400},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveWebSocketClients,
		NotificationsTotal,
		PaymentRailRequestsTotal,
		PaymentRailRetriesTotal,
		CacheRequestsTotal,
		EscrowCreatedTotal,
		EscrowTransitionsTotal,
		EscrowRejectedTotal,
		EscrowCASConflictsTotal,
		EscrowPortFailuresTotal,
		EscrowRatingsTotal,
		EscrowSweepRunsTotal,
		EscrowSweepRefundsTotal,
		EscrowSweepFailuresTotal,
		EscrowDuration,
		RateLimitedTotal,
	)
}

// RegisterDB exports db's connection pool statistics as go_sql_* metrics
// labelled db_name="tradeescrow". Registering twice is a no-op.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, namespace))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Label by route pattern; raw paths carry escrow IDs.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
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
