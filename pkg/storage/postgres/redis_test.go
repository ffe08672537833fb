package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/subscriptionfu/pkg/storage"
)

// setupRedisClientTest creates a miniredis instance and a client connected to it
func setupRedisClientTest(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(storage.Config{
		RedisURL:        "redis://" + mr.Addr(),
		RedisMaxRetries: 3,
		RedisPoolSize:   10,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestNewRedisClient(t *testing.T) {
	client, _ := setupRedisClientTest(t)
	require.NotNil(t, client.Client())
	assert.NoError(t, client.Ping(context.Background()))
	assert.Equal(t, 10, client.Client().Options().PoolSize)
	assert.NotNil(t, client.GetPoolStats())
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := NewRedisClient(storage.Config{RedisURL: "not-a-url://"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid redis URL")
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(storage.Config{RedisURL: "redis://" + addr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestRedisClient_Lock(t *testing.T) {
	client, mr := setupRedisClientTest(t)
	ctx := context.Background()

	release, err := client.Lock(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("subfu:lock:reconcile"))

	_, err = client.Lock(ctx, "reconcile", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("subfu:lock:reconcile"))

	again, err := client.Lock(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestRedisClient_LockReleaseAfterExpiry(t *testing.T) {
	client, mr := setupRedisClientTest(t)
	ctx := context.Background()

	release, err := client.Lock(ctx, "reconcile", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	other, err := client.Lock(ctx, "reconcile", time.Minute)
	require.NoError(t, err)

	// the stale holder must not drop the new holder's lock
	require.NoError(t, release(ctx))
	assert.True(t, mr.Exists("subfu:lock:reconcile"))
	require.NoError(t, other(ctx))
}
