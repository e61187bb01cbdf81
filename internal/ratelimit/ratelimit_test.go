package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/threadscout/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestTokenBucketExhaustsBurst(t *testing.T) {
	_, client := newTestRedis(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := bucket.Allow(ctx, "bucket:test", 0.001, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be allowed", i)
	}

	res, err := bucket.Allow(ctx, "bucket:test", 0.001, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestTokenBucketRejectsInvalidArguments(t *testing.T) {
	_, client := newTestRedis(t)
	bucket := NewTokenBucket(client)

	_, err := bucket.Allow(context.Background(), "", 1, 1)
	assert.Error(t, err)
	_, err = bucket.Allow(context.Background(), "k", 0, 1)
	assert.Error(t, err)
	_, err = bucket.Allow(context.Background(), "k", 1, 0)
	assert.Error(t, err)
}

func TestLockerIsExclusiveUntilReleased(t *testing.T) {
	_, client := newTestRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "lock:scout", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "lock:scout", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "lock:scout", "someone-else"))
	_, ok, err = locker.TryLock(ctx, "lock:scout", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "foreign token must not release the lock")

	require.NoError(t, locker.Release(ctx, "lock:scout", token))
	_, ok, err = locker.TryLock(ctx, "lock:scout", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFetchLimiterFallsBackWhenRedisIsDown(t *testing.T) {
	mr, client := newTestRedis(t)
	cfg := config.Config{Scraper: config.ScraperConfig{RateLimit: 5, RateWindow: time.Second}}
	limiter := NewFetchLimiter(client, cfg, zap.NewNop())
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, limiter.Wait(ctx))
}

func TestFetchLimiterHonoursContext(t *testing.T) {
	_, client := newTestRedis(t)
	cfg := config.Config{Scraper: config.ScraperConfig{RateLimit: 1, RateWindow: time.Hour}}
	limiter := NewFetchLimiter(client, cfg, zap.NewNop())

	require.NoError(t, limiter.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, limiter.Wait(ctx), context.DeadlineExceeded)
}
