// Package msgcache keeps a bounded per-conversation buffer of the most
// recent messages in Redis. It is a best-effort accelerator for cold-start
// history reads; an empty or partial result means "ask the durable store",
// never "no messages".
package msgcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chat-core/internal/store"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "messages:conversation:%s"

type Cache struct {
	rdb  *redis.Client
	size int
	ttl  time.Duration
}

func NewCache(rdb *redis.Client, size int, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, size: size, ttl: ttl}
}

// Append pushes one message onto the front of the conversation buffer and
// trims it back to capacity.
func (c *Cache) Append(ctx context.Context, conversationID uuid.UUID, msg *store.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := fmt.Sprintf(keyPrefix, conversationID)
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(c.size)-1)
	pipe.Expire(ctx, key, c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// AppendBatch pushes messages given oldest-first, leaving the buffer
// newest-first like Append does.
func (c *Cache) AppendBatch(ctx context.Context, conversationID uuid.UUID, msgs []*store.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	key := fmt.Sprintf(keyPrefix, conversationID)
	pipe := c.rdb.Pipeline()
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		pipe.LPush(ctx, key, data)
	}
	pipe.LTrim(ctx, key, 0, int64(c.size)-1)
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Recent returns up to limit cached messages, newest first. Entries that
// fail to decode are dropped rather than surfaced.
func (c *Cache) Recent(ctx context.Context, conversationID uuid.UUID, limit int) ([]*store.Message, error) {
	key := fmt.Sprintf(keyPrefix, conversationID)
	raw, err := c.rdb.LRange(ctx, key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]*store.Message, 0, len(raw))
	for _, item := range raw {
		m := &store.Message{}
		if err := json.Unmarshal([]byte(item), m); err != nil {
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}

func (c *Cache) Invalidate(ctx context.Context, conversationID uuid.UUID) error {
	return c.rdb.Del(ctx, fmt.Sprintf(keyPrefix, conversationID)).Err()
}
