package redis

import (
	"context"
	"fmt"
	"time"
)

const rateKeyPrefix = "command:rate"

// RateLimiter fixed-window counter used for critical command budgets.
type RateLimiter struct {
	client *Client
	window time.Duration
	limit  int64
}

// NewRateLimiter allows limit operations per window per key.
func NewRateLimiter(client *Client, limit int, window time.Duration) *RateLimiter {
	if window == 0 {
		window = time.Hour
	}
	return &RateLimiter{client: client, window: window, limit: int64(limit)}
}

// Allow consumes one slot for the key and reports whether the budget
// still holds. Without redis the limiter fails open.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r == nil || r.client == nil || r.limit <= 0 {
		return true, nil
	}
	k := fmt.Sprintf("%s:%s", rateKeyPrefix, key)

	n, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return true, err
	}
	if n == 1 {
		// first hit in the window sets the expiry
		if err := r.client.Expire(ctx, k, r.window).Err(); err != nil {
			return true, err
		}
	}
	return n <= r.limit, nil
}
