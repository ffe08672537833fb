package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/subscriptionfu/pkg/storage"
)

// ErrLockHeld is returned when another holder owns a lock
var ErrLockHeld = errors.New("lock held by another process")

// releaseScript deletes a lock only if it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisClient wraps the Redis connection shared by the gateway details cache
// and the reconciler job locks
type RedisClient struct {
	client *redis.Client
	prefix string
}

// NewRedisClient creates a Redis client and verifies connectivity
func NewRedisClient(config storage.Config) (*RedisClient, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Override with config values if provided
	if config.RedisPassword != "" {
		opts.Password = config.RedisPassword
	}
	if config.RedisDB > 0 {
		opts.DB = config.RedisDB
	}
	if config.RedisMaxRetries > 0 {
		opts.MaxRetries = config.RedisMaxRetries
	}
	if config.RedisPoolSize > 0 {
		opts.PoolSize = config.RedisPoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{client: client, prefix: "subfu:lock:"}, nil
}

// Client returns the underlying Redis client
func (c *RedisClient) Client() *redis.Client {
	return c.client
}

// Ping checks Redis connectivity
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *RedisClient) Close() error {
	return c.client.Close()
}

// GetPoolStats returns connection pool statistics
func (c *RedisClient) GetPoolStats() *redis.PoolStats {
	return c.client.PoolStats()
}

// Lock takes the named lock for ttl. The returned release func is safe to
// call after the lock expired; it never deletes a lock taken over by someone
// else.
func (c *RedisClient) Lock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	key := c.prefix + name
	token := uuid.NewString()

	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, c.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to release lock %s: %w", name, err)
		}
		return nil
	}
	return release, nil
}
