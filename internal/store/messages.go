package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chat-core/internal/apperr"
	"chat-core/internal/user"

	"github.com/google/uuid"
)

type MessageRepository struct {
	db *sql.DB
}

func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `
	m.id, m.conversation_id, m.sender_id, m.content, m.read_status, m.created_at,
	u.id, u.email, u.username
`

func scanMessage(scanner interface{ Scan(...any) error }) (*Message, error) {
	m := &Message{}
	sender := &user.User{}
	err := scanner.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ReadStatus, &m.CreatedAt,
		&sender.ID, &sender.Email, &sender.Username,
	)
	if err != nil {
		return nil, err
	}
	m.Sender = sender
	return m, nil
}

func (r *MessageRepository) collect(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()
	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Create persists a new message with read status 'sent' and returns it with
// the sender loaded.
func (r *MessageRepository) Create(ctx context.Context, conversationID, senderID uuid.UUID, content string) (*Message, error) {
	id := uuid.New()
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, content, read_status)
		VALUES ($1, $2, $3, $4, 'sent')
	`
	if _, err := r.db.ExecContext(ctx, query, id, conversationID, senderID, content); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1
	`
	m, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("message")
		}
		return nil, err
	}
	return m, nil
}

// ListByConversation pages in creation order with a plain offset.
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID uuid.UUID, skip, limit int) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at ASC
		OFFSET $2 LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, skip, limit)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

// ListAfter pages in creation order past a cursor timestamp. Keyset
// pagination stays stable under concurrent inserts, unlike the offset path.
func (r *MessageRepository) ListAfter(ctx context.Context, conversationID uuid.UUID, after time.Time, limit int) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1 AND m.created_at > $2
		ORDER BY m.created_at ASC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, after, limit)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

// ListUnreadForUser returns the messages a reconnecting user missed: not
// sent by them and not yet read, oldest first.
func (r *MessageRepository) ListUnreadForUser(ctx context.Context, conversationID, userID uuid.UUID) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1
		  AND m.sender_id != $2
		  AND m.read_status != 'read'
		ORDER BY m.created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, userID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

// MarkConversationRead bulk-transitions every message not sent by the user
// to 'read' and reports how many rows changed. Already-read rows are not
// matched, so a repeat call reports zero.
func (r *MessageRepository) MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID) (int64, error) {
	query := `
		UPDATE messages
		SET read_status = 'read'
		WHERE conversation_id = $1 AND sender_id != $2 AND read_status != 'read'
	`
	res, err := r.db.ExecContext(ctx, query, conversationID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
