// Package ratelimit implements a fixed-window counter shared across server
// processes. Approximate by design: a burst straddling a window boundary can
// pass twice the limit, the trade for O(1) cost per check.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Limiter struct {
	rdb *redis.Client
	now func() time.Time
}

func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb, now: time.Now}
}

// Check counts one attempt for (user, action) in the current window and
// reports whether it is allowed. The counter increments even on the call
// that exceeds the limit. When denied, retryAfter is the time left in the
// window, always in (0, window].
func (l *Limiter) Check(ctx context.Context, userID uuid.UUID, action string, limit int, window time.Duration) (bool, time.Duration, error) {
	windowSecs := int64(window.Seconds())
	now := l.now().Unix()
	currentWindow := now / windowSecs
	key := fmt.Sprintf("rate_limit:user:%s:%s:%d", userID, action, currentWindow)

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	// Slack past the window end so a straggling read still sees the counter.
	if err := l.rdb.Expire(ctx, key, window+10*time.Second).Err(); err != nil {
		return false, 0, err
	}

	if count > int64(limit) {
		retryAfter := time.Duration(windowSecs-now%windowSecs) * time.Second
		return false, retryAfter, nil
	}
	return true, 0, nil
}
