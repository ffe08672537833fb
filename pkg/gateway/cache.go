package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/subscriptionfu/pkg/observability"
)

// DetailsCache stores recurring profile details keyed by profile id
type DetailsCache interface {
	Get(ctx context.Context, profileID string) (*RecurringDetails, bool, error)
	Set(ctx context.Context, details *RecurringDetails) error
	Delete(ctx context.Context, profileID string) error
	Name() string
}

// MemoryDetailsCache is a size-bounded in-process cache with TTL expiry
type MemoryDetailsCache struct {
	cache *lru.LRU[string, RecurringDetails]
}

// NewMemoryDetailsCache creates an LRU cache holding up to size entries
func NewMemoryDetailsCache(size int, ttl time.Duration) *MemoryDetailsCache {
	if size <= 0 {
		size = 1024
	}
	return &MemoryDetailsCache{
		cache: lru.NewLRU[string, RecurringDetails](size, nil, ttl),
	}
}

func (c *MemoryDetailsCache) Get(_ context.Context, profileID string) (*RecurringDetails, bool, error) {
	d, ok := c.cache.Get(profileID)
	if !ok {
		return nil, false, nil
	}
	return &d, true, nil
}

func (c *MemoryDetailsCache) Set(_ context.Context, details *RecurringDetails) error {
	c.cache.Add(details.ProfileID, *details)
	return nil
}

func (c *MemoryDetailsCache) Delete(_ context.Context, profileID string) error {
	c.cache.Remove(profileID)
	return nil
}

func (c *MemoryDetailsCache) Name() string { return "memory" }

// RedisDetailsCache shares profile details between processes
type RedisDetailsCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDetailsCache creates a Redis-backed cache
func NewRedisDetailsCache(client *redis.Client, prefix string, ttl time.Duration) *RedisDetailsCache {
	if prefix == "" {
		prefix = "subfu:profile:"
	}
	return &RedisDetailsCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisDetailsCache) key(profileID string) string {
	return c.prefix + profileID
}

func (c *RedisDetailsCache) Get(ctx context.Context, profileID string) (*RecurringDetails, bool, error) {
	data, err := c.client.Get(ctx, c.key(profileID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var d RecurringDetails
	if err := json.Unmarshal(data, &d); err != nil {
		c.client.Del(ctx, c.key(profileID))
		return nil, false, fmt.Errorf("failed to unmarshal profile details: %w", err)
	}
	return &d, true, nil
}

func (c *RedisDetailsCache) Set(ctx context.Context, details *RecurringDetails) error {
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal profile details: %w", err)
	}
	if err := c.client.Set(ctx, c.key(details.ProfileID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (c *RedisDetailsCache) Delete(ctx context.Context, profileID string) error {
	if err := c.client.Del(ctx, c.key(profileID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (c *RedisDetailsCache) Name() string { return "redis" }

// CachingGateway serves RecurringDetails from a cache. Concurrent misses for
// the same profile share one upstream call. Entries are dropped on
// CancelRecurring and on explicit Invalidate.
type CachingGateway struct {
	Gateway
	cache   DetailsCache
	group   *singleflight.Group
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewCachingGateway wraps inner with cache
func NewCachingGateway(inner Gateway, cache DetailsCache, metrics *observability.Metrics, logger *observability.Logger) *CachingGateway {
	return newCachingGateway(inner, cache, &singleflight.Group{}, metrics, logger)
}

func newCachingGateway(inner Gateway, cache DetailsCache, group *singleflight.Group, metrics *observability.Metrics, logger *observability.Logger) *CachingGateway {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &CachingGateway{
		Gateway: inner,
		cache:   cache,
		group:   group,
		metrics: metrics,
		logger:  logger,
	}
}

// RecurringDetails returns cached details or fetches and stores them.
// Cache failures fall through to the gateway.
func (g *CachingGateway) RecurringDetails(ctx context.Context, profileID string) (*RecurringDetails, error) {
	cached, ok, err := g.cache.Get(ctx, profileID)
	if err != nil {
		g.logger.WithError(err).WithField("profile_id", profileID).Warn("profile details cache read failed")
	}
	g.metrics.ObserveCache(g.cache.Name(), ok)
	if ok {
		return cached, nil
	}

	v, err, _ := g.group.Do(profileID, func() (interface{}, error) {
		details, err := g.Gateway.RecurringDetails(ctx, profileID)
		if err != nil {
			return nil, err
		}
		if err := g.cache.Set(ctx, details); err != nil {
			g.logger.WithError(err).WithField("profile_id", profileID).Warn("profile details cache write failed")
		}
		return details, nil
	})
	if err != nil {
		return nil, err
	}
	details := *v.(*RecurringDetails)
	return &details, nil
}

// CancelRecurring cancels upstream and drops the cached entry either way
func (g *CachingGateway) CancelRecurring(ctx context.Context, profileID, note string) error {
	err := g.Gateway.CancelRecurring(ctx, profileID, note)
	if invErr := g.Invalidate(ctx, profileID); invErr != nil {
		g.logger.WithError(invErr).WithField("profile_id", profileID).Warn("profile details invalidation failed")
	}
	return err
}

// Invalidate drops the cached details for a profile
func (g *CachingGateway) Invalidate(ctx context.Context, profileID string) error {
	g.group.Forget(profileID)
	return g.cache.Delete(ctx, profileID)
}

// CachingFactory wraps every gateway from inner with one shared cache
type CachingFactory struct {
	inner   Factory
	cache   DetailsCache
	group   *singleflight.Group
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewCachingFactory creates a caching factory. Profile ids are unique across
// currencies, so a single cache serves all of them.
func NewCachingFactory(inner Factory, cache DetailsCache, metrics *observability.Metrics, logger *observability.Logger) *CachingFactory {
	return &CachingFactory{
		inner:   inner,
		cache:   cache,
		group:   &singleflight.Group{},
		metrics: metrics,
		logger:  logger,
	}
}

// ForCurrency returns the cached gateway for currency
func (f *CachingFactory) ForCurrency(currency string) (Gateway, error) {
	gw, err := f.inner.ForCurrency(currency)
	if err != nil {
		return nil, err
	}
	return newCachingGateway(gw, f.cache, f.group, f.metrics, f.logger), nil
}
