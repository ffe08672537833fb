//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/subscriptionfu/pkg/billing"
	"github.com/platinummonkey/subscriptionfu/pkg/ledger"
	"github.com/platinummonkey/subscriptionfu/pkg/storage"
)

// setupBackend starts PostgreSQL in a container and opens a migrated backend
func setupBackend(t *testing.T) *Backend {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	provider.Close()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("subfu_test"),
		tcpostgres.WithUsername("subfu"),
		tcpostgres.WithPassword("subfu_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	config := storage.DefaultConfig()
	config.PostgresURL = connStr
	config.CacheEnabled = false
	backend, err := NewBackend(config, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	// migrations are idempotent
	require.NoError(t, Migrate(backend.Connections().Primary()))
	return backend
}

func TestIntegration_SubscriptionLifecycle(t *testing.T) {
	backend := setupBackend(t)
	ctx := context.Background()
	store := backend.Subscriptions()

	start := time.Now().UTC().Truncate(time.Second)
	prev := billing.BuildForInitializing(account, "basic", start, start, nil)
	prev.ID = "sub-prev"
	require.NoError(t, store.Create(ctx, prev))

	next := billing.BuildForInitializing(account, "pro", start.Add(time.Hour), time.Time{}, prev)
	next.ID = "sub-next"
	require.NoError(t, store.Create(ctx, next))

	got, err := store.Get(ctx, "sub-prev")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(prev.UpdatedAt))

	activated := start
	got.ActivatedAt = &activated
	got.PayPalProfileID = "I-1"
	stale := got.Clone()
	require.NoError(t, store.Update(ctx, got))
	assert.ErrorIs(t, store.Update(ctx, stale), billing.ErrConcurrentUpdate)

	current, err := store.Current(ctx, account, start.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "sub-prev", current.ID)

	successors, err := store.NextSubscriptions(ctx, "sub-prev")
	require.NoError(t, err)
	require.Len(t, successors, 1)
	assert.Equal(t, "sub-next", successors[0].ID)

	canceled := start.Add(time.Hour)
	got.CanceledAt = &canceled
	got.CancelReason = billing.CancelReasonUpdate
	require.NoError(t, store.Update(ctx, got))

	orphans, err := store.ListCanceledWithProfile(ctx, start, billing.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "I-1", orphans[0].PayPalProfileID)

	orphans, err = store.ListCanceledWithProfile(ctx, start, billing.CursorOf(orphans[0]), 10)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestIntegration_LedgerConcurrentCompletion(t *testing.T) {
	backend := setupBackend(t)
	ctx := context.Background()

	sub := billing.BuildForInitializing(account, "free", time.Now().UTC(), time.Time{}, nil)
	sub.ID = "sub-1"
	require.NoError(t, backend.Subscriptions().Create(ctx, sub))

	l := backend.Ledger()
	act, err := l.CreateActivation(ctx, sub.ID, ledger.GatewayNone, "admin")
	require.NoError(t, err)
	cancel, err := l.CreateCancellation(ctx, sub.ID, "admin", act)
	require.NoError(t, err)

	related, err := l.ListRelated(ctx, act.ID)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, cancel.ID, related[0].ID)

	// racing completions all agree on the final status
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = l.SetStatus(ctx, act.ID, ledger.StatusComplete)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	_, err = l.SetStatus(ctx, act.ID, ledger.StatusFailed)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	stale, err := l.ListStale(ctx, ledger.ActionCancellation, ledger.StatusInitiated, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	_, err = l.CreateActivation(ctx, "missing", ledger.GatewayNone, "admin")
	assert.ErrorIs(t, err, ledger.ErrMissingSubscription)
}
