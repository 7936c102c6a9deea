package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-notification-service/internal/client"
	"otp-notification-service/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// fixedWindowScript increments a window counter and attaches the window
// TTL only on the first increment, so the key expires when the window
// that created it ends. INCR and EXPIRE must be one atomic step or two
// racing callers could both skip the EXPIRE.
const fixedWindowScript = `
    local count = redis.call('INCR', KEYS[1])
    if count == 1 then
        redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
    end
    return count
`

// RateLimitCache is a fixed-window counter over Redis. Keys embed the
// window start, so a fresh window always begins at zero.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

// CheckAndIncrement bumps the counter for key and reports whether the
// increment stayed within max. The count is consumed even when the call
// reports a breach; callers should check before doing work.
func (c *RateLimitCache) CheckAndIncrement(ctx context.Context, key string, window time.Duration, max int) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rateLimitKey := rateLimitPrefix + key

	result, err := c.client.Eval(opCtx, fixedWindowScript, []string{rateLimitKey}, int(window.Seconds()))
	if err != nil {
		util.Error("Failed to increment rate limit counter",
			zap.String("key", key),
			zap.Duration("window", window),
			zap.Error(err))
		return false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	count, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result type from rate limit script: %T", result)
	}

	allowed := count <= int64(max)

	util.Debug("Rate limit check",
		zap.String("key", key),
		zap.Int64("count", count),
		zap.Int("max", max),
		zap.Bool("allowed", allowed))

	return allowed, nil
}

// Reset clears the counter for a key, used by tests and admin tooling.
func (c *RateLimitCache) Reset(ctx context.Context, key string) error {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(opCtx, rateLimitPrefix+key); err != nil {
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}
	return nil
}
