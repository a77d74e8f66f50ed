// Package metrics provides Prometheus instrumentation for the genledger service.
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
			Namespace: "genledger",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "genledger",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Ledger metrics ---

	LedgerEntriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genledger",
		Name:      "ledger_entries_total",
		Help:      "Total ledger entries appended, by reason.",
	}, []string{"reason"})

	LedgerDuplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genledger",
		Name:      "ledger_duplicates_total",
		Help:      "Total appends deduplicated by idempotency key.",
	})

	InsufficientBalanceTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genledger",
		Name:      "insufficient_balance_total",
		Help:      "Total debits rejected for insufficient balance.",
	})

	// --- Job metrics ---

	JobsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genledger",
		Name:      "jobs_created_total",
		Help:      "Total generation jobs created.",
	})

	JobsResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genledger",
		Name:      "jobs_resolved_total",
		Help:      "Total jobs resolved, by terminal state.",
	}, []string{"state"})

	JobRefundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genledger",
		Name:      "job_refunds_total",
		Help:      "Total job refunds issued.",
	})

	JobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "genledger",
		Name:      "job_duration_seconds",
		Help:      "Time from job creation to terminal state in seconds.",
		Buckets:   []float64{1, 2, 5, 10, 20, 40, 60, 120, 180, 300},
	})

	LateProviderResultsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genledger",
		Name:      "late_provider_results_total",
		Help:      "Provider success results that arrived after the job was already refunded.",
	})

	// --- Provider metrics ---

	ProviderRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genledger",
		Name:      "provider_requests_total",
		Help:      "Total provider API calls, by operation and result.",
	}, []string{"op", "result"})

	// --- Sweeper metrics ---

	SweeperRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genledger",
		Name:      "sweeper_runs_total",
		Help:      "Total sweeper passes.",
	})

	SweeperRecoveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genledger",
		Name:      "sweeper_recovered_total",
		Help:      "Total jobs recovered by the sweeper, by action.",
	}, []string{"action"})

	// --- Payment metrics ---

	PaymentEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genledger",
		Name:      "payment_events_total",
		Help:      "Total payment events processed, by result.",
	}, []string{"result"})

	PaymentAnomaliesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genledger",
		Name:      "payment_anomalies_total",
		Help:      "Payment events that could not be reconciled.",
	})

	// --- Promo metrics ---

	PromoApplicationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genledger",
		Name:      "promo_applications_total",
		Help:      "Total promo and referral code applications, by result.",
	}, []string{"result"})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "genledger",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "genledger", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "genledger", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "genledger", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "genledger", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "genledger", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "genledger", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LedgerEntriesTotal,
		LedgerDuplicatesTotal,
		InsufficientBalanceTotal,
		JobsCreatedTotal,
		JobsResolvedTotal,
		JobRefundsTotal,
		JobDuration,
		LateProviderResultsTotal,
		ProviderRequestsTotal,
		SweeperRunsTotal,
		SweeperRecoveredTotal,
		PaymentEventsTotal,
		PaymentAnomaliesTotal,
		PromoApplicationsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
