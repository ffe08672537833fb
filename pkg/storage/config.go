package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/subscriptionfu/pkg/billing"
	"github.com/platinummonkey/subscriptionfu/pkg/ledger"
)

// Backend is a complete persistence layer for subscriptions and their ledger
type Backend interface {
	Subscriptions() billing.Store
	Ledger() ledger.Ledger
	HealthCheck(ctx context.Context) error
	Close() error
}

// Config for storage backends
type Config struct {
	Type string // "memory", "postgres"

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	MigrateOnStart      bool

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// Gateway details cache
	CacheEnabled bool
	CacheBackend string // "memory", "redis"
	CacheTTL     time.Duration
	CacheSize    int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             "postgres",
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		MigrateOnStart:   true,
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
		CacheEnabled:     true,
		CacheBackend:     "memory",
		CacheTTL:         15 * time.Minute,
		CacheSize:        4096,
	}
}

// Validate checks the configuration for the selected backend
func (c Config) Validate() error {
	switch c.Type {
	case "memory":
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
		if c.PostgresMaxConns < 1 {
			return fmt.Errorf("postgres max connections must be positive")
		}
		if c.PostgresMinConns < 0 || c.PostgresMinConns > c.PostgresMaxConns {
			return fmt.Errorf("postgres min connections must be between 0 and max connections")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Type)
	}

	if c.CacheEnabled {
		switch c.CacheBackend {
		case "memory":
		case "redis":
			if c.RedisURL == "" {
				return fmt.Errorf("redis URL is required for the redis cache backend")
			}
		default:
			return fmt.Errorf("unknown cache backend %q", c.CacheBackend)
		}
		if c.CacheTTL <= 0 {
			return fmt.Errorf("cache TTL must be positive")
		}
	}
	return nil
}
