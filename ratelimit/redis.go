package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// KeyPrefix namespaces limiter counters in Redis.
const KeyPrefix = "ratelimit:"

// RedisLimiter shares counters between every server using the same Redis.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	period time.Duration
}

func NewRedisLimiter(rdb *redis.Client, limit int, period time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, period: period}
}

// Allow counts the attempt and its window's TTL in one MULTI. A counter left
// without a TTL, say by a crash between calls, gets one here.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := KeyPrefix + key
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		ttl = pipe.TTL(ctx, k)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if ttl.Val() < 0 {
		if err := l.rdb.Expire(ctx, k, l.period).Err(); err != nil {
			return false, fmt.Errorf("rate limit %s: %w", key, err)
		}
	}
	return incr.Val() <= int64(l.limit), nil
}
