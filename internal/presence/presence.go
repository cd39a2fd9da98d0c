// Package presence tracks which users are online across all server
// processes. It answers "who is online globally"; the in-process connection
// registry answers "who can I write to from here". The two are deliberately
// separate.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	onlineUsersKey       = "messaging:online_users"
	userConversationsKey = "messaging:user:%s:conversations"
	connectionKey        = "messaging:connection:%s"
)

type Store struct {
	rdb     *redis.Client
	connTTL time.Duration
}

func NewStore(rdb *redis.Client, connTTL time.Duration) *Store {
	return &Store{rdb: rdb, connTTL: connTTL}
}

// MarkOnline records a new connection for the user. The connection hash
// carries a TTL so state leaked by a killed process eventually clears.
func (s *Store) MarkOnline(ctx context.Context, userID uuid.UUID, connectionID string, conversationID uuid.UUID) error {
	uid := userID.String()
	cid := conversationID.String()
	connKey := fmt.Sprintf(connectionKey, connectionID)

	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, onlineUsersKey, uid)
	pipe.SAdd(ctx, fmt.Sprintf(userConversationsKey, uid), cid)
	pipe.HSet(ctx, connKey, "user_id", uid, "conversation_id", cid)
	pipe.Expire(ctx, connKey, s.connTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// MarkOffline removes one connection. The online flag is cleared only when
// the user's last tracked conversation is gone; SRem followed by SCard keeps
// the check free of read-modify-write races against the user's other
// connections.
func (s *Store) MarkOffline(ctx context.Context, userID uuid.UUID, connectionID string, conversationID uuid.UUID) error {
	uid := userID.String()
	convSetKey := fmt.Sprintf(userConversationsKey, uid)

	pipe := s.rdb.Pipeline()
	pipe.SRem(ctx, convSetKey, conversationID.String())
	pipe.Del(ctx, fmt.Sprintf(connectionKey, connectionID))
	remaining := pipe.SCard(ctx, convSetKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if remaining.Val() == 0 {
		return s.rdb.SRem(ctx, onlineUsersKey, uid).Err()
	}
	return nil
}

func (s *Store) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	return s.rdb.SIsMember(ctx, onlineUsersKey, userID.String()).Result()
}

func (s *Store) OnlineUserIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, onlineUsersKey).Result()
}

func (s *Store) UserConversations(ctx context.Context, userID uuid.UUID) ([]string, error) {
	return s.rdb.SMembers(ctx, fmt.Sprintf(userConversationsKey, userID.String())).Result()
}

// ConnectionInfo returns the (user, conversation) pair a connection is bound
// to, or nil if the entry expired.
func (s *Store) ConnectionInfo(ctx context.Context, connectionID string) (map[string]string, error) {
	data, err := s.rdb.HGetAll(ctx, fmt.Sprintf(connectionKey, connectionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}
