// Package typing holds the ephemeral per-conversation typing state shared
// across server processes. Entries expire on their own; absence means
// "not typing".
package typing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "typing:conversation:%s"

// Entry is the visible typing state of one user.
type Entry struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type Tracker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewTracker(rdb *redis.Client, ttl time.Duration) *Tracker {
	return &Tracker{rdb: rdb, ttl: ttl}
}

// SetTyping writes or deletes the user's entry. A true set re-arms the
// conversation TTL; a false set removes the field and drops the key once
// the hash is empty.
func (t *Tracker) SetTyping(ctx context.Context, conversationID, userID uuid.UUID, username string, isTyping bool) error {
	key := fmt.Sprintf(keyPrefix, conversationID)
	field := userID.String()

	if isTyping {
		data, err := json.Marshal(Entry{
			UserID:    field,
			Username:  username,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		pipe := t.rdb.Pipeline()
		pipe.HSet(ctx, key, field, data)
		pipe.Expire(ctx, key, t.ttl)
		_, err = pipe.Exec(ctx)
		return err
	}

	if err := t.rdb.HDel(ctx, key, field).Err(); err != nil {
		return err
	}
	remaining, err := t.rdb.HLen(ctx, key).Result()
	if err != nil {
		return err
	}
	if remaining == 0 {
		return t.rdb.Del(ctx, key).Err()
	}
	return nil
}

// TypingUsers returns the current typing map for a conversation. Entries
// that fail to decode are skipped.
func (t *Tracker) TypingUsers(ctx context.Context, conversationID uuid.UUID) (map[string]Entry, error) {
	data, err := t.rdb.HGetAll(ctx, fmt.Sprintf(keyPrefix, conversationID)).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[string]Entry, len(data))
	for userID, raw := range data {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		result[userID] = e
	}
	return result, nil
}

func (t *Tracker) ClearTyping(ctx context.Context, conversationID, userID uuid.UUID) error {
	return t.SetTyping(ctx, conversationID, userID, "", false)
}
