package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Lifecycle metrics
	SubscriptionOperationsTotal   *prometheus.CounterVec
	SubscriptionOperationDuration *prometheus.HistogramVec
	CascadeCancellationsTotal     *prometheus.CounterVec
	LedgerTransactionsTotal       *prometheus.CounterVec

	// Gateway metrics
	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Reconciliation metrics
	ReconcileRunsTotal  *prometheus.CounterVec
	ReconcileItemsTotal *prometheus.CounterVec

	// Catalog metrics
	CatalogReloadsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge

	// HTTP metrics (health and metrics server)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		SubscriptionOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subfu_subscription_operations_total",
				Help: "Total number of subscription lifecycle operations",
			},
			[]string{"operation", "outcome"},
		),
		SubscriptionOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subfu_subscription_operation_duration_seconds",
				Help:    "Subscription lifecycle operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		CascadeCancellationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subfu_cascade_cancellations_total",
				Help: "Cancellation intents recorded by successor activation cascades",
			},
			[]string{"outcome"},
		),
		LedgerTransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subfu_ledger_transactions_total",
				Help: "Ledger transactions recorded",
			},
			[]string{"action", "gateway"},
		),

		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subfu_gateway_requests_total",
				Help: "Total number of recurring billing gateway requests",
			},
			[]string{"operation", "currency", "status"},
		),
		GatewayRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subfu_gateway_request_duration_seconds",
				Help:    "Recurring billing gateway request duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subfu_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subfu_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),

		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subfu_storage_operations_total",
				Help: "Total number of storage operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subfu_storage_operation_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),

		ReconcileRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subfu_reconcile_runs_total",
				Help: "Reconciliation job runs",
			},
			[]string{"job", "status"},
		),
		ReconcileItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subfu_reconcile_items_total",
				Help: "Items handled by reconciliation jobs",
			},
			[]string{"job", "outcome"},
		),

		CatalogReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subfu_catalog_reloads_total",
				Help: "Plan catalog reload attempts",
			},
			[]string{"status"},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subfu_db_connections_open",
				Help: "Number of open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subfu_db_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subfu_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subfu_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subfu_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	registry.MustRegister(
		m.SubscriptionOperationsTotal,
		m.SubscriptionOperationDuration,
		m.CascadeCancellationsTotal,
		m.LedgerTransactionsTotal,
		m.GatewayRequestsTotal,
		m.GatewayRequestDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.ReconcileRunsTotal,
		m.ReconcileItemsTotal,
		m.CatalogReloadsTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// Outcome label values
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// ObserveOperation records a lifecycle operation. Safe on a nil receiver so
// callers can run without metrics.
func (m *Metrics) ObserveOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.SubscriptionOperationsTotal.WithLabelValues(operation, outcome(err)).Inc()
	m.SubscriptionOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveCascade records one cascade cancellation attempt
func (m *Metrics) ObserveCascade(err error) {
	if m == nil {
		return
	}
	m.CascadeCancellationsTotal.WithLabelValues(outcome(err)).Inc()
}

// ObserveLedger records a ledger transaction
func (m *Metrics) ObserveLedger(action, gateway string) {
	if m == nil {
		return
	}
	m.LedgerTransactionsTotal.WithLabelValues(action, gateway).Inc()
}

// ObserveGateway records a gateway call
func (m *Metrics) ObserveGateway(operation, currency string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.GatewayRequestsTotal.WithLabelValues(operation, currency, outcome(err)).Inc()
	m.GatewayRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveCache records a cache lookup
func (m *Metrics) ObserveCache(cacheType string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// ObserveStorage records a storage call
func (m *Metrics) ObserveStorage(operation, backend string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.StorageOperationsTotal.WithLabelValues(operation, backend, outcome(err)).Inc()
	m.StorageOperationDuration.WithLabelValues(operation, backend).Observe(time.Since(start).Seconds())
}

// ObserveReconcile records a reconciliation run and its per-item outcomes
func (m *Metrics) ObserveReconcile(job string, handled, failed int, err error) {
	if m == nil {
		return
	}
	m.ReconcileRunsTotal.WithLabelValues(job, outcome(err)).Inc()
	m.ReconcileItemsTotal.WithLabelValues(job, OutcomeSuccess).Add(float64(handled))
	m.ReconcileItemsTotal.WithLabelValues(job, OutcomeFailure).Add(float64(failed))
}

// ObserveCatalogReload records a plan catalog reload
func (m *Metrics) ObserveCatalogReload(err error) {
	if m == nil {
		return
	}
	m.CatalogReloadsTotal.WithLabelValues(outcome(err)).Inc()
}

// RecordDBStats copies connection pool statistics into gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
