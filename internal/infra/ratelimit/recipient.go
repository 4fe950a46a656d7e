package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"herald/internal/domain/notification"

	"github.com/redis/go-redis/v9"
)

var _ notification.RecipientRateLimiter = (*RedisRecipientLimiter)(nil)

// RedisRecipientLimiter enforces per-recipient notification rate limits using Redis sorted sets.
// It uses a sliding window approach: each notification is a member scored by its timestamp.
type RedisRecipientLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewRedisRecipientLimiter creates a per-recipient rate limiter allowing
// limit notifications per window.
func NewRedisRecipientLimiter(client *redis.Client, limit int, window time.Duration) *RedisRecipientLimiter {
	if window <= 0 {
		window = time.Hour
	}
	return &RedisRecipientLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "herald:ratelimit:",
	}
}

// Allow checks whether a notification can be sent to the given recipient.
// A limit of zero or less disables limiting.
func (r *RedisRecipientLimiter) Allow(ctx context.Context, recipientKey string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}

	key := r.prefix + recipientKey
	now := time.Now()
	windowStart := now.Add(-r.window)

	pipe := r.client.Pipeline()

	// Remove expired entries (outside the sliding window)
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", windowStart.UnixNano()))

	// Count remaining entries in the window
	countCmd := pipe.ZCard(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("checking recipient rate limit: %w", err)
	}

	if countCmd.Val() >= int64(r.limit) {
		return false, nil
	}

	// Unique member so concurrent requests in the same nanosecond both count
	randBytes := make([]byte, 4)
	_, _ = rand.Read(randBytes)
	member := redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d:%s", now.UnixNano(), hex.EncodeToString(randBytes)),
	}

	pipe2 := r.client.Pipeline()
	pipe2.ZAdd(ctx, key, member)
	pipe2.Expire(ctx, key, r.window+time.Minute)

	if _, err := pipe2.Exec(ctx); err != nil {
		return false, fmt.Errorf("recording rate limit entry: %w", err)
	}

	return true, nil
}
