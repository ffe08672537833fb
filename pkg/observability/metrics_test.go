package observability

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_Registers(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	// Registering twice on the same registry must panic.
	assert.Panics(t, func() { NewMetrics(registry) })
}

func TestMetrics_Observe(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	start := time.Now()

	m.ObserveOperation("cancel", start, nil)
	m.ObserveOperation("cancel", start, errors.New("x"))
	m.ObserveCascade(nil)
	m.ObserveLedger("activation", "paypal")
	m.ObserveGateway("create_recurring", "USD", start, nil)
	m.ObserveCache("memory", true)
	m.ObserveCache("memory", false)
	m.ObserveStorage("get", "postgres", start, nil)
	m.ObserveReconcile("stale_cancellations", 3, 1, nil)
	m.ObserveCatalogReload(errors.New("bad yaml"))
	m.RecordDBStats(sql.DBStats{OpenConnections: 4, InUse: 1, Idle: 3})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscriptionOperationsTotal.WithLabelValues("cancel", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscriptionOperationsTotal.WithLabelValues("cancel", OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CascadeCancellationsTotal.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerTransactionsTotal.WithLabelValues("activation", "paypal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GatewayRequestsTotal.WithLabelValues("create_recurring", "USD", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("memory")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReconcileItemsTotal.WithLabelValues("stale_cancellations", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileItemsTotal.WithLabelValues("stale_cancellations", OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CatalogReloadsTotal.WithLabelValues(OutcomeFailure)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.DBConnectionsOpen))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("x", time.Now(), nil)
		m.ObserveGateway("x", "USD", time.Now(), nil)
		m.ObserveCache("x", true)
		m.ObserveReconcile("x", 1, 1, nil)
		m.RecordDBStats(sql.DBStats{})
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	handler := HTTPMetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/health", "418")))

	rr = httptest.NewRecorder()
	MetricsHandler(registry).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "subfu_http_requests_total"))
}

func TestOTelMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)
	defer provider.Shutdown(context.Background())

	m, err := NewOTelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordActivation(ctx, "paypal")
	m.RecordCancellation(ctx, "update")
	m.RecordGatewayCall(ctx, "cancel_recurring", 150*time.Millisecond, nil)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			names[metric.Name] = true
		}
	}
	assert.True(t, names["subscription.activations"])
	assert.True(t, names["subscription.cancellations"])
	assert.True(t, names["gateway.requests"])
	assert.True(t, names["gateway.request.duration"])

	var nilMetrics *OTelMetrics
	assert.NotPanics(t, func() { nilMetrics.RecordActivation(ctx, "none") })
}
