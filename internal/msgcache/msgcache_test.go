package msgcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"chat-core/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, size int) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewCache(rdb, size, time.Hour), mr
}

func testMessage(conversationID uuid.UUID, content string, at time.Time) *store.Message {
	return &store.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       uuid.New(),
		Content:        content,
		ReadStatus:     store.StatusSent,
		CreatedAt:      at,
	}
}

func TestRecentIsNewestFirst(t *testing.T) {
	req := require.New(t)
	cache, _ := newTestCache(t, 50)
	ctx := context.Background()
	conv := uuid.New()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		msg := testMessage(conv, fmt.Sprintf("msg-%d", i), base.Add(time.Duration(i)*time.Second))
		req.NoError(cache.Append(ctx, conv, msg))
	}

	got, err := cache.Recent(ctx, conv, 10)
	req.NoError(err)
	req.Len(got, 3)
	req.Equal("msg-2", got[0].Content)
	req.Equal("msg-0", got[2].Content)
}

func TestCapacityIsEnforced(t *testing.T) {
	req := require.New(t)
	cache, _ := newTestCache(t, 50)
	ctx := context.Background()
	conv := uuid.New()

	base := time.Now().UTC()
	for i := 0; i < 60; i++ {
		msg := testMessage(conv, fmt.Sprintf("msg-%d", i), base.Add(time.Duration(i)*time.Second))
		req.NoError(cache.Append(ctx, conv, msg))
	}

	got, err := cache.Recent(ctx, conv, 60)
	req.NoError(err)
	req.Len(got, 50)
	req.Equal("msg-59", got[0].Content, "newest entry survives the trim")
	req.Equal("msg-10", got[49].Content, "oldest ten were evicted")
}

func TestAppendBatchKeepsOrder(t *testing.T) {
	req := require.New(t)
	cache, _ := newTestCache(t, 50)
	ctx := context.Background()
	conv := uuid.New()

	base := time.Now().UTC()
	batch := []*store.Message{
		testMessage(conv, "first", base),
		testMessage(conv, "second", base.Add(time.Second)),
		testMessage(conv, "third", base.Add(2*time.Second)),
	}
	req.NoError(cache.AppendBatch(ctx, conv, batch))

	got, err := cache.Recent(ctx, conv, 10)
	req.NoError(err)
	req.Len(got, 3)
	req.Equal("third", got[0].Content)
	req.Equal("first", got[2].Content)
}

func TestMalformedEntriesSkipped(t *testing.T) {
	req := require.New(t)
	cache, mr := newTestCache(t, 50)
	ctx := context.Background()
	conv := uuid.New()

	req.NoError(cache.Append(ctx, conv, testMessage(conv, "valid", time.Now().UTC())))
	mr.Lpush(fmt.Sprintf("messages:conversation:%s", conv), "{broken")

	got, err := cache.Recent(ctx, conv, 10)
	req.NoError(err)
	req.Len(got, 1)
	req.Equal("valid", got[0].Content)
}

func TestInvalidate(t *testing.T) {
	req := require.New(t)
	cache, _ := newTestCache(t, 50)
	ctx := context.Background()
	conv := uuid.New()

	req.NoError(cache.Append(ctx, conv, testMessage(conv, "gone soon", time.Now().UTC())))
	req.NoError(cache.Invalidate(ctx, conv))

	got, err := cache.Recent(ctx, conv, 10)
	req.NoError(err)
	req.Empty(got)
}

func TestBufferExpires(t *testing.T) {
	req := require.New(t)
	cache, mr := newTestCache(t, 50)
	ctx := context.Background()
	conv := uuid.New()

	req.NoError(cache.Append(ctx, conv, testMessage(conv, "stale", time.Now().UTC())))
	mr.FastForward(61 * time.Minute)

	got, err := cache.Recent(ctx, conv, 10)
	req.NoError(err)
	req.Empty(got)
}

func TestEmptyConversationIsEmptyNotError(t *testing.T) {
	req := require.New(t)
	cache, _ := newTestCache(t, 50)

	got, err := cache.Recent(context.Background(), uuid.New(), 10)
	req.NoError(err)
	req.Empty(got)
}
