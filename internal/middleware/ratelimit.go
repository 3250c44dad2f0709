package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/makeasinger/bulkgen/internal/logger"
	"github.com/makeasinger/bulkgen/pkg/response"
)

// counterStore is the part of the Redis client the limiter needs
type counterStore interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// RateLimiter is a fixed-window limiter keyed by operator
type RateLimiter struct {
	redis counterStore
	log   *logrus.Logger
}

func NewRateLimiter(redisClient counterStore) *RateLimiter {
	return &RateLimiter{redis: redisClient, log: logger.HTTP()}
}

// Limit creates a rate limiting middleware. Requests are counted per user,
// or per client IP when no identity is attached.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rl.redis == nil || maxRequests <= 0 {
			return c.Next()
		}

		subject := GetUserID(c)
		if subject == "" {
			subject = "ip:" + c.IP()
		}
		key := "ratelimit:" + keyPrefix + ":" + subject
		ctx := c.UserContext()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			// fail open
			rl.log.WithError(err).WithField("key", key).Warn("Rate limiter unavailable")
			return c.Next()
		}

		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-int(count)))

		return c.Next()
	}
}

// BulkCreateLimit limits job creation, which can expand to thousands of prompts
func (rl *RateLimiter) BulkCreateLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("bulk_create", maxPerHour, time.Hour)
}

// ScoreLimit limits pairwise scoring and batch rating
func (rl *RateLimiter) ScoreLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("bulk_score", maxPerMin, time.Minute)
}
