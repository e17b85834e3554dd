package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

type Limiter interface {
	Allow(ctx context.Context, storeID string) (bool, error)
}

// RedisLimiter is a fixed-window counter per store shared by every worker
// process.
type RedisLimiter struct {
	client redis.Cmdable
	limit  int64
	window time.Duration
	prefix string
	clock  clockwork.Clock
}

func NewRedisLimiter(client redis.Cmdable, limit int, window time.Duration, clock clockwork.Clock) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
		prefix: "store-insights:ratelimit",
		clock:  clock,
	}
}

func (l *RedisLimiter) key(storeID string) string {
	bucket := l.clock.Now().UnixNano() / int64(l.window)
	return fmt.Sprintf("%s:%s:%d", l.prefix, storeID, bucket)
}

func (l *RedisLimiter) Allow(ctx context.Context, storeID string) (bool, error) {
	key := l.key(storeID)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	return incr.Val() <= l.limit, nil
}
