package chat

import (
	"encoding/json"
	"time"

	"chat-core/internal/store"
	"chat-core/internal/typing"

	"github.com/google/uuid"
)

// Frame types on the wire.
const (
	frameMessage        = "message"
	frameOfflineMessage = "offline_message"
	frameTyping         = "typing_indicator"
	frameError          = "error"
)

// InboundFrame is what a client sends over the socket. Anything that fails
// to parse is dropped without a reply.
type InboundFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	IsTyping *bool  `json:"is_typing,omitempty"`
}

// SenderInfo is the denormalized sender attached to outbound message frames.
type SenderInfo struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
}

// MessageFrame carries a persisted message to clients, as a live delivery
// ("message") or a reconnect replay ("offline_message").
type MessageFrame struct {
	Type           string      `json:"type"`
	ID             uuid.UUID   `json:"id"`
	SenderID       uuid.UUID   `json:"sender_id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	Content        string      `json:"content"`
	Timestamp      time.Time   `json:"timestamp"`
	ReadStatus     string      `json:"read_status"`
	Sender         *SenderInfo `json:"sender,omitempty"`
}

func newMessageFrame(frameType string, msg *store.Message) MessageFrame {
	f := MessageFrame{
		Type:           frameType,
		ID:             msg.ID,
		SenderID:       msg.SenderID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Timestamp:      msg.CreatedAt,
		ReadStatus:     string(msg.ReadStatus),
	}
	if msg.Sender != nil {
		f.Sender = &SenderInfo{
			ID:       msg.Sender.ID,
			Username: msg.Sender.Username,
			Email:    msg.Sender.Email,
		}
	}
	return f
}

// TypingFrame announces the full typing state of a conversation.
type TypingFrame struct {
	Type           string         `json:"type"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	TypingUsers    []typing.Entry `json:"typing_users"`
}

// ErrorFrame is the only negative acknowledgement the socket path emits.
// RetryAfter is zero unless the send was rate limited.
type ErrorFrame struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

func marshalFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Frames are plain structs; this cannot fail at runtime.
		panic(err)
	}
	return data
}
