package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewLimiter(rdb), mr
}

func TestCheck_AllowsUpToLimit(t *testing.T) {
	req := require.New(t)
	limiter, _ := newTestLimiter(t)
	limiter.now = func() time.Time { return time.Unix(1_700_000_010, 0) }

	userID := uuid.New()
	for i := 0; i < 30; i++ {
		allowed, _, err := limiter.Check(context.Background(), userID, "send_message", 30, time.Minute)
		req.NoError(err)
		req.True(allowed, "call %d should be allowed", i+1)
	}

	allowed, retryAfter, err := limiter.Check(context.Background(), userID, "send_message", 30, time.Minute)
	req.NoError(err)
	req.False(allowed, "31st call in the window must be denied")
	req.Greater(retryAfter, time.Duration(0))
	req.LessOrEqual(retryAfter, time.Minute)
}

func TestCheck_NewWindowResets(t *testing.T) {
	req := require.New(t)
	limiter, _ := newTestLimiter(t)

	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }

	userID := uuid.New()
	for i := 0; i < 3; i++ {
		_, _, err := limiter.Check(context.Background(), userID, "send_message", 2, time.Minute)
		req.NoError(err)
	}
	allowed, _, err := limiter.Check(context.Background(), userID, "send_message", 2, time.Minute)
	req.NoError(err)
	req.False(allowed)

	now = now.Add(time.Minute)
	allowed, _, err = limiter.Check(context.Background(), userID, "send_message", 2, time.Minute)
	req.NoError(err)
	req.True(allowed, "a fresh window starts a fresh counter")
}

func TestCheck_IsolatedPerUserAndAction(t *testing.T) {
	req := require.New(t)
	limiter, _ := newTestLimiter(t)
	limiter.now = func() time.Time { return time.Unix(1_700_000_010, 0) }

	alice := uuid.New()
	bob := uuid.New()

	allowed, _, err := limiter.Check(context.Background(), alice, "send_message", 1, time.Minute)
	req.NoError(err)
	req.True(allowed)
	allowed, _, err = limiter.Check(context.Background(), alice, "send_message", 1, time.Minute)
	req.NoError(err)
	req.False(allowed)

	// A different user and a different action both keep their own counters.
	allowed, _, err = limiter.Check(context.Background(), bob, "send_message", 1, time.Minute)
	req.NoError(err)
	req.True(allowed)
	allowed, _, err = limiter.Check(context.Background(), alice, "set_typing", 1, time.Minute)
	req.NoError(err)
	req.True(allowed)
}

func TestCheck_CounterExpires(t *testing.T) {
	req := require.New(t)
	limiter, mr := newTestLimiter(t)
	limiter.now = func() time.Time { return time.Unix(1_700_000_010, 0) }

	userID := uuid.New()
	_, _, err := limiter.Check(context.Background(), userID, "send_message", 5, time.Minute)
	req.NoError(err)

	// The counter key carries the window TTL plus slack.
	mr.FastForward(71 * time.Second)
	req.Empty(mr.Keys())
}
