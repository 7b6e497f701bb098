package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatpipe/chatpipe/pkg/logger"
)

// Limiter answers whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RedisLimiter counts requests per fixed time window in Redis, so the limit
// holds across gateway instances. With failOpen set, requests pass when Redis
// is unreachable.
type RedisLimiter struct {
	rdb      *redis.Client
	failOpen bool
	log      *logger.Logger
}

func NewRedisLimiter(rdb *redis.Client, failOpen bool, log *logger.Logger) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, failOpen: failOpen, log: log}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	bucket := bucketKey(key, time.Now(), window)

	pipe := l.rdb.Pipeline()
	incr := pipe.Incr(ctx, bucket)
	// The extra second keeps the key alive through window edges.
	pipe.Expire(ctx, bucket, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		if l.failOpen {
			l.log.Warn("rate limit check failed, allowing request",
				zap.String("key", key), zap.Error(err))
			return true, nil
		}
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	return incr.Val() <= int64(limit), nil
}

func bucketKey(key string, now time.Time, window time.Duration) string {
	return fmt.Sprintf("ratelimit:%s:%d", key, now.UnixNano()/int64(window))
}
