package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/subscriptionfu/pkg/billing"
	"github.com/platinummonkey/subscriptionfu/pkg/ledger"
	"github.com/platinummonkey/subscriptionfu/pkg/observability"
	"github.com/platinummonkey/subscriptionfu/pkg/storage"
)

// Backend implements storage.Backend using PostgreSQL, with an optional
// Redis client for caching and locks
type Backend struct {
	cm     *ConnectionManager
	subs   *SubscriptionStore
	ledger *LedgerStore
	redis  *RedisClient
}

var _ storage.Backend = (*Backend)(nil)

// NewBackend connects to PostgreSQL, applies migrations when configured and
// connects to Redis when a URL is given
func NewBackend(config storage.Config, logger *observability.Logger, metrics *observability.Metrics) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cm, err := NewConnectionManager(ConnectionConfig{
		PrimaryURL:  config.PostgresURL,
		ReplicaURLs: config.PostgresReplicaURLs,
		MaxConns:    config.PostgresMaxConns,
		MinConns:    config.PostgresMinConns,
		Timeout:     config.PostgresTimeout,
		MaxLifetime: time.Hour,
		MaxIdleTime: 10 * time.Minute,
	}, logger)
	if err != nil {
		return nil, err
	}

	if config.MigrateOnStart {
		if err := Migrate(cm.Primary()); err != nil {
			cm.Close()
			return nil, err
		}
	}

	b := newBackend(cm, metrics)
	if config.RedisURL != "" {
		b.redis, err = NewRedisClient(config)
		if err != nil {
			cm.Close()
			return nil, err
		}
	}
	return b, nil
}

func newBackend(cm *ConnectionManager, metrics *observability.Metrics) *Backend {
	return &Backend{
		cm:     cm,
		subs:   NewSubscriptionStore(cm, metrics),
		ledger: NewLedgerStore(cm, metrics),
	}
}

func (b *Backend) Subscriptions() billing.Store { return b.subs }

func (b *Backend) Ledger() ledger.Ledger { return b.ledger }

// Connections exposes the connection manager for health routines
func (b *Backend) Connections() *ConnectionManager { return b.cm }

// Redis returns the Redis client, nil when none is configured
func (b *Backend) Redis() *RedisClient { return b.redis }

func (b *Backend) HealthCheck(ctx context.Context) error {
	if err := b.cm.HealthCheck(ctx); err != nil {
		return err
	}
	if b.redis != nil {
		if err := b.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
	}
	return nil
}

func (b *Backend) Close() error {
	var errs []error
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	errs = append(errs, b.cm.Close())
	return errors.Join(errs...)
}
