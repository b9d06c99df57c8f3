package rateLimit

import (
	"context"
	"time"

	redisadapter "github.com/robertarktes/pandit-bookings/internal/adapters/redis"
	"github.com/robertarktes/pandit-bookings/internal/observability"
)

type Limit struct {
	Rate   int
	Period time.Duration
}

type RateLimiter struct {
	redis  *redisadapter.Cache
	logger observability.Logger
}

func NewRateLimiter(redis *redisadapter.Cache, logger observability.Logger) *RateLimiter {
	return &RateLimiter{redis: redis, logger: logger}
}

// Allow counts one hit against key in a fixed window. When Redis cannot be
// reached the request is let through.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit Limit) bool {
	fullKey := "rl:" + key

	pipe := rl.redis.Client().Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, limit.Period)

	_, err := pipe.Exec(ctx)
	if err != nil {
		rl.logger.WithError(err).Warn("rate limiter unavailable")
		return true
	}

	if incr.Val() > int64(limit.Rate) {
		observability.RateLimitExceeded.Inc()
		return false
	}
	return true
}
