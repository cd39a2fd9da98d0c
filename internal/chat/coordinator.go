package chat

import (
	"context"
	"log/slog"
	"time"

	"chat-core/internal/apperr"
	"chat-core/internal/store"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// The coordinator consumes the durable store through these contracts so the
// correctness tests can run against in-memory implementations.

type ConversationStore interface {
	GetWithParticipants(ctx context.Context, id uuid.UUID) (*store.Conversation, error)
}

type MessageStore interface {
	Create(ctx context.Context, conversationID, senderID uuid.UUID, content string) (*store.Message, error)
	GetByID(ctx context.Context, id uuid.UUID) (*store.Message, error)
	ListByConversation(ctx context.Context, conversationID uuid.UUID, skip, limit int) ([]*store.Message, error)
	ListAfter(ctx context.Context, conversationID uuid.UUID, after time.Time, limit int) ([]*store.Message, error)
	ListUnreadForUser(ctx context.Context, conversationID, userID uuid.UUID) ([]*store.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID) (int64, error)
}

type ReceiptStore interface {
	CreateReceipt(ctx context.Context, messageID, userID uuid.UUID) (*store.ReadReceipt, error)
	ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*store.ReadReceipt, error)
}

type DeliveryCache interface {
	Append(ctx context.Context, conversationID uuid.UUID, msg *store.Message) error
	AppendBatch(ctx context.Context, conversationID uuid.UUID, msgs []*store.Message) error
	Recent(ctx context.Context, conversationID uuid.UUID, limit int) ([]*store.Message, error)
	Invalidate(ctx context.Context, conversationID uuid.UUID) error
}

// HistorySource yields a conversation's recent history. ok=false means the
// source cannot answer and the caller must fall through to the next one.
type HistorySource interface {
	History(ctx context.Context, conversationID uuid.UUID, limit int) (msgs []*store.Message, ok bool, err error)
}

// cacheHistory answers from the delivery cache when it holds a full page.
type cacheHistory struct {
	cache DeliveryCache
}

func (s cacheHistory) History(ctx context.Context, conversationID uuid.UUID, limit int) ([]*store.Message, bool, error) {
	cached, err := s.cache.Recent(ctx, conversationID, limit)
	if err != nil {
		return nil, false, err
	}
	if len(cached) < limit {
		// Partial means "might be cold", never "conversation is short".
		return nil, false, nil
	}
	return lo.Reverse(cached), true, nil
}

// storeHistory always answers, from the source of truth.
type storeHistory struct {
	msgs MessageStore
}

func (s storeHistory) History(ctx context.Context, conversationID uuid.UUID, limit int) ([]*store.Message, bool, error) {
	msgs, err := s.msgs.ListByConversation(ctx, conversationID, 0, limit)
	return msgs, err == nil, err
}

// Coordinator orchestrates authorization, persistence, cache update and
// replay. Every inbound path (socket or REST) and the reconnect replay go
// through it; fan-out stays with the caller so both paths share the
// persistence logic while delivering differently.
type Coordinator struct {
	convs    ConversationStore
	msgs     MessageStore
	receipts ReceiptStore
	cache    DeliveryCache
	fast     HistorySource
	durable  HistorySource
	log      *slog.Logger
}

func NewCoordinator(convs ConversationStore, msgs MessageStore, receipts ReceiptStore, cache DeliveryCache, log *slog.Logger) *Coordinator {
	c := &Coordinator{
		convs:    convs,
		msgs:     msgs,
		receipts: receipts,
		cache:    cache,
		durable:  storeHistory{msgs: msgs},
		log:      log,
	}
	if cache != nil {
		c.fast = cacheHistory{cache: cache}
	}
	return c
}

func (c *Coordinator) authorize(ctx context.Context, conversationID, userID uuid.UUID) (*store.Conversation, error) {
	conv, err := c.convs.GetWithParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, apperr.Forbidden("not a participant")
	}
	return conv, nil
}

// SendMessage persists a message with read status 'sent' and updates the
// delivery cache. It does not fan out.
func (c *Coordinator) SendMessage(ctx context.Context, senderID, conversationID uuid.UUID, content string) (*store.Message, error) {
	if _, err := c.authorize(ctx, conversationID, senderID); err != nil {
		return nil, err
	}

	msg, err := c.msgs.Create(ctx, conversationID, senderID, content)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Append(ctx, conversationID, msg); err != nil {
			c.log.Warn("cache append failed", "conversation_id", conversationID, "error", err)
		}
	}
	return msg, nil
}

// GetConversationMessages pages through a conversation's history in
// creation order. With a cursor it returns messages created after the
// cursor message; without one it serves offset pagination, fronted by the
// cache when skip is zero and the caller opted in. nextCursor is the last
// returned ID when the page came back full, a hint that more data
// plausibly exists.
func (c *Coordinator) GetConversationMessages(
	ctx context.Context,
	userID, conversationID uuid.UUID,
	skip, limit int,
	cursor *uuid.UUID,
	useCache bool,
) ([]*store.Message, *uuid.UUID, error) {
	if _, err := c.authorize(ctx, conversationID, userID); err != nil {
		return nil, nil, err
	}

	if cursor != nil {
		cursorMsg, err := c.msgs.GetByID(ctx, *cursor)
		if err != nil {
			return nil, nil, err
		}
		if cursorMsg.ConversationID != conversationID {
			return nil, nil, apperr.NotFound("cursor message")
		}
		msgs, err := c.msgs.ListAfter(ctx, conversationID, cursorMsg.CreatedAt, limit)
		if err != nil {
			return nil, nil, err
		}
		return msgs, nextCursor(msgs, limit), nil
	}

	if skip == 0 && useCache && c.fast != nil {
		msgs, ok, err := c.fast.History(ctx, conversationID, limit)
		if err != nil {
			c.log.Warn("cache history failed", "conversation_id", conversationID, "error", err)
		} else if ok {
			return msgs, nextCursor(msgs, limit), nil
		}

		msgs, _, err = c.durable.History(ctx, conversationID, limit)
		if err != nil {
			return nil, nil, err
		}
		// Warm only when the whole conversation fit in the page. The buffer
		// holds the newest messages; a longer conversation's first page is
		// its oldest and must not be seeded as recent.
		if len(msgs) > 0 && len(msgs) < limit && c.cache != nil {
			if err := c.cache.AppendBatch(ctx, conversationID, msgs); err != nil {
				c.log.Warn("cache warm failed", "conversation_id", conversationID, "error", err)
			}
		}
		return msgs, nextCursor(msgs, limit), nil
	}

	msgs, err := c.msgs.ListByConversation(ctx, conversationID, skip, limit)
	if err != nil {
		return nil, nil, err
	}
	return msgs, nextCursor(msgs, limit), nil
}

func nextCursor(msgs []*store.Message, limit int) *uuid.UUID {
	if len(msgs) != limit {
		return nil
	}
	last := msgs[len(msgs)-1].ID
	return &last
}

// GetOfflineMessages returns the messages a user missed while away: every
// message in the conversation not sent by them and not yet read, oldest
// first.
func (c *Coordinator) GetOfflineMessages(ctx context.Context, conversationID, userID uuid.UUID) ([]*store.Message, error) {
	if _, err := c.authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return c.msgs.ListUnreadForUser(ctx, conversationID, userID)
}

// MarkRead transitions every message in the conversation not sent by the
// user to 'read' and returns how many changed.
func (c *Coordinator) MarkRead(ctx context.Context, conversationID, userID uuid.UUID) (int64, error) {
	if _, err := c.authorize(ctx, conversationID, userID); err != nil {
		return 0, err
	}

	count, err := c.msgs.MarkConversationRead(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}

	// Cached copies now carry a stale read status.
	if count > 0 && c.cache != nil {
		if err := c.cache.Invalidate(ctx, conversationID); err != nil {
			c.log.Warn("cache invalidate failed", "conversation_id", conversationID, "error", err)
		}
	}
	return count, nil
}

// MarkMessageRead records a read receipt for one message. Senders cannot
// receipt their own messages (returns false); duplicate calls are no-ops.
func (c *Coordinator) MarkMessageRead(ctx context.Context, messageID, userID uuid.UUID) (bool, error) {
	msg, err := c.msgs.GetByID(ctx, messageID)
	if err != nil {
		return false, err
	}
	if _, err := c.authorize(ctx, msg.ConversationID, userID); err != nil {
		return false, err
	}
	if msg.SenderID == userID {
		return false, nil
	}

	if _, err := c.receipts.CreateReceipt(ctx, messageID, userID); err != nil {
		return false, err
	}
	return true, nil
}

// ListReceipts returns every receipt recorded for a message the caller can
// see.
func (c *Coordinator) ListReceipts(ctx context.Context, messageID, userID uuid.UUID) ([]*store.ReadReceipt, error) {
	msg, err := c.msgs.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := c.authorize(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	return c.receipts.ListByMessage(ctx, messageID)
}

// Authorize exposes the membership check to the websocket handshake.
func (c *Coordinator) Authorize(ctx context.Context, conversationID, userID uuid.UUID) (*store.Conversation, error) {
	return c.authorize(ctx, conversationID, userID)
}
