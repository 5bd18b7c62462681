//go:build integration

package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/railhook/internal/config"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestSourceLimiterAgainstRedis(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	limiter, err := NewSourceLimiter(client, config.Config{RateLimit: config.RateLimitConfig{SourceRate: 0.001, SourceBurst: 2}})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := limiter.AllowSource(ctx, "stripe")
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i)
	}

	res, err := limiter.AllowSource(ctx, "stripe")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Greater(t, res.RetryAfter, time.Duration(0))

	// Buckets are per source.
	res, err = limiter.AllowSource(ctx, "plaid")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestLockerAgainstRedis(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	locker := NewLocker(client)

	token, ok, err := locker.TryLock(ctx, "railhook:test", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "railhook:test", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ran, err := locker.WithLock(ctx, "railhook:test", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.False(t, ran)

	require.NoError(t, locker.Release(ctx, "railhook:test", token))

	ran, err = locker.WithLock(ctx, "railhook:test", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.True(t, ran)
}
