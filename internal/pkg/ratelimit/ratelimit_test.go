package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatpipe/chatpipe/pkg/logger"
)

func newTestLimiter(t *testing.T, failOpen bool) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLimiter(rdb, failOpen, logger.NewNop()), mr
}

func TestAllow_UnderAndOverLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "client-1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i+1)
	}

	ok, err := limiter.Allow(ctx, "client-1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "fourth request exceeds the limit")
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t, false)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "client-1", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = limiter.Allow(ctx, "client-1", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = limiter.Allow(ctx, "client-2", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "a different client has its own bucket")
}

func TestAllow_RedisDownFailOpen(t *testing.T) {
	limiter, mr := newTestLimiter(t, true)
	mr.Close()

	ok, err := limiter.Allow(context.Background(), "client-1", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllow_RedisDownFailClosed(t *testing.T) {
	limiter, mr := newTestLimiter(t, false)
	mr.Close()

	ok, err := limiter.Allow(context.Background(), "client-1", 1, time.Minute)
	require.Error(t, err)
	assert.False(t, ok)
}
