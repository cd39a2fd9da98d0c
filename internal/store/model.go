// Package store is the durable side of the messaging core: conversations,
// messages and read receipts persisted in Postgres. It is the source of
// truth; everything in Redis is a transient copy.
package store

import (
	"time"

	"chat-core/internal/user"

	"github.com/google/uuid"
)

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// ReadStatus moves forward only: sent -> delivered -> read. The core writes
// 'sent' on creation and drives the transition to 'read'; 'delivered' is
// reserved.
type ReadStatus string

const (
	StatusSent      ReadStatus = "sent"
	StatusDelivered ReadStatus = "delivered"
	StatusRead      ReadStatus = "read"
)

type Conversation struct {
	ID           uuid.UUID        `json:"id"`
	Type         ConversationType `json:"type"`
	Name         *string          `json:"name,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	Participants []*user.User     `json:"participants"`
}

func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

type Message struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	SenderID       uuid.UUID  `json:"sender_id"`
	Content        string     `json:"content"`
	ReadStatus     ReadStatus `json:"read_status"`
	CreatedAt      time.Time  `json:"created_at"`
	Sender         *user.User `json:"sender,omitempty"`
}

type ReadReceipt struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}
