package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/subscriptionfu/pkg/observability"
)

// stubGateway counts upstream calls
type stubGateway struct {
	detailsCalls int32
	cancelCalls  int32
	release      chan struct{}
	detailsErr   error
}

func (s *stubGateway) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutHandle, error) {
	return &CheckoutHandle{Token: "EC-1"}, nil
}

func (s *stubGateway) CreateRecurring(ctx context.Context, req RecurringRequest) (*RecurringProfile, error) {
	return &RecurringProfile{ProfileID: "I-1", Status: StatusComplete}, nil
}

func (s *stubGateway) RecurringDetails(ctx context.Context, profileID string) (*RecurringDetails, error) {
	atomic.AddInt32(&s.detailsCalls, 1)
	if s.release != nil {
		<-s.release
	}
	if s.detailsErr != nil {
		return nil, s.detailsErr
	}
	next := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return &RecurringDetails{ProfileID: profileID, Status: StatusComplete, RawStatus: "Active", NextBillingDate: &next}, nil
}

func (s *stubGateway) CancelRecurring(ctx context.Context, profileID, note string) error {
	atomic.AddInt32(&s.cancelCalls, 1)
	return nil
}

func newRedisCache(t *testing.T) *RedisDetailsCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDetailsCache(client, "", time.Minute)
}

func TestDetailsCaches(t *testing.T) {
	caches := map[string]DetailsCache{
		"memory": NewMemoryDetailsCache(16, time.Minute),
		"redis":  newRedisCache(t),
	}
	for name, cache := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := cache.Get(ctx, "I-1")
			require.NoError(t, err)
			assert.False(t, ok)

			next := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
			require.NoError(t, cache.Set(ctx, &RecurringDetails{ProfileID: "I-1", Status: StatusPending, NextBillingDate: &next}))

			got, ok, err := cache.Get(ctx, "I-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, StatusPending, got.Status)
			assert.True(t, next.Equal(*got.NextBillingDate))

			require.NoError(t, cache.Delete(ctx, "I-1"))
			_, ok, err = cache.Get(ctx, "I-1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestCachingGateway_CachesDetails(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	inner := &stubGateway{}
	gw := NewCachingGateway(inner, NewMemoryDetailsCache(16, time.Minute), metrics, nil)
	ctx := context.Background()

	first, err := gw.RecurringDetails(ctx, "I-1")
	require.NoError(t, err)
	second, err := gw.RecurringDetails(ctx, "I-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.detailsCalls))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("memory")))
}

func TestCachingGateway_ReturnsCopies(t *testing.T) {
	gw := NewCachingGateway(&stubGateway{}, NewMemoryDetailsCache(16, time.Minute), nil, nil)
	ctx := context.Background()

	first, err := gw.RecurringDetails(ctx, "I-1")
	require.NoError(t, err)
	first.Status = StatusInvalid

	second, err := gw.RecurringDetails(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, second.Status)
}

func TestCachingGateway_SharesConcurrentMisses(t *testing.T) {
	inner := &stubGateway{release: make(chan struct{})}
	gw := NewCachingGateway(inner, NewMemoryDetailsCache(16, time.Minute), nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.RecurringDetails(context.Background(), "I-1")
			assert.NoError(t, err)
		}()
	}
	// let every goroutine reach the singleflight group before the upstream returns
	time.Sleep(50 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.detailsCalls))
}

func TestCachingGateway_ErrorsAreNotCached(t *testing.T) {
	inner := &stubGateway{detailsErr: errors.New("timeout")}
	gw := NewCachingGateway(inner, NewMemoryDetailsCache(16, time.Minute), nil, nil)

	_, err := gw.RecurringDetails(context.Background(), "I-1")
	require.Error(t, err)
	_, err = gw.RecurringDetails(context.Background(), "I-1")
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.detailsCalls))
}

func TestCachingGateway_CancelInvalidates(t *testing.T) {
	inner := &stubGateway{}
	cache := newRedisCache(t)
	gw := NewCachingGateway(inner, cache, nil, nil)
	ctx := context.Background()

	_, err := gw.RecurringDetails(ctx, "I-1")
	require.NoError(t, err)
	require.NoError(t, gw.CancelRecurring(ctx, "I-1", "cancel"))

	_, ok, err := cache.Get(ctx, "I-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = gw.RecurringDetails(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.detailsCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.cancelCalls))
}

func TestCachingGateway_Invalidate(t *testing.T) {
	inner := &stubGateway{}
	gw := NewCachingGateway(inner, NewMemoryDetailsCache(16, time.Minute), nil, nil)
	ctx := context.Background()

	_, err := gw.RecurringDetails(ctx, "I-1")
	require.NoError(t, err)
	require.NoError(t, gw.Invalidate(ctx, "I-1"))
	_, err = gw.RecurringDetails(ctx, "I-1")
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.detailsCalls))
	var _ Invalidator = gw
}

func TestCachingFactory_SharesCacheAcrossCurrencies(t *testing.T) {
	inner := &stubGateway{}
	base := FactoryFunc(func(currency string) (Gateway, error) { return inner, nil })
	factory := NewCachingFactory(base, NewMemoryDetailsCache(16, time.Minute), nil, nil)

	usd, err := factory.ForCurrency("USD")
	require.NoError(t, err)
	jpy, err := factory.ForCurrency("JPY")
	require.NoError(t, err)

	_, err = usd.RecurringDetails(context.Background(), "I-1")
	require.NoError(t, err)
	_, err = jpy.RecurringDetails(context.Background(), "I-1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.detailsCalls))
}

func TestInstrumentedGateway_RecordsMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	inner := &stubGateway{detailsErr: errors.New("boom")}
	factory := NewInstrumentedFactory(FactoryFunc(func(currency string) (Gateway, error) { return inner, nil }), metrics, nil)

	gw, err := factory.ForCurrency("USD")
	require.NoError(t, err)

	require.NoError(t, gw.CancelRecurring(context.Background(), "I-1", "cancel"))
	_, err = gw.RecurringDetails(context.Background(), "I-1")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GatewayRequestsTotal.WithLabelValues("cancel_recurring", "USD", observability.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GatewayRequestsTotal.WithLabelValues("recurring_details", "USD", observability.OutcomeFailure)))
}
