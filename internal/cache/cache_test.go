package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/trading-subscriptions/internal/config"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(func() { mr.Close() })

	cfg := config.RedisConnection{Address: mr.Addr()}
	cache, err := InitServer(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache, mr
}

func TestInitServer_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = InitServer(context.Background(), config.RedisConnection{Address: addr, DialTimeout: 100 * time.Millisecond})
	assert.Error(t, err)
}

func TestSkipTracker_IncrAndReset(t *testing.T) {
	cache, mr := setupTestCache(t)
	tracker := NewSkipTracker(cache, time.Hour)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := tracker.Incr(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, time.Hour, mr.TTL("sweep:skip:sub-1"))

	n, err := tracker.Count(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, tracker.Reset(ctx, "sub-1"))
	n, err = tracker.Count(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.False(t, mr.Exists("sweep:skip:sub-1"))
}

func TestSkipTracker_Expires(t *testing.T) {
	cache, mr := setupTestCache(t)
	tracker := NewSkipTracker(cache, time.Minute)
	ctx := context.Background()

	_, err := tracker.Incr(ctx, "sub-2")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	got, err := tracker.Incr(ctx, "sub-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestSkipTracker_IndependentKeys(t *testing.T) {
	cache, _ := setupTestCache(t)
	tracker := NewSkipTracker(cache, 0)
	ctx := context.Background()

	_, err := tracker.Incr(ctx, "a")
	require.NoError(t, err)
	got, err := tracker.Incr(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestSkipTracker_RedisDown(t *testing.T) {
	cache, mr := setupTestCache(t)
	tracker := NewSkipTracker(cache, time.Hour)
	mr.Close()

	_, err := tracker.Incr(context.Background(), "sub-1")
	assert.Error(t, err)
}
