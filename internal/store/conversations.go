package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chat-core/internal/apperr"
	"chat-core/internal/user"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type ConversationRepository struct {
	db *sql.DB
}

func NewConversationRepository(db *sql.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// GetWithParticipants loads a conversation and its full participant list.
func (r *ConversationRepository) GetWithParticipants(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	c := &Conversation{}
	query := "SELECT id, type, name, created_at FROM conversations WHERE id = $1"
	err := r.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Type, &c.Name, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("conversation")
		}
		return nil, err
	}

	participants, err := r.participants(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Participants = participants
	return c, nil
}

func (r *ConversationRepository) participants(ctx context.Context, conversationID uuid.UUID) ([]*user.User, error) {
	query := `
		SELECT u.id, u.email, u.username
		FROM participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = $1
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*user.User
	for rows.Next() {
		u := &user.User{}
		if err := rows.Scan(&u.ID, &u.Email, &u.Username); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ListForUser returns every conversation the user participates in.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*Conversation, error) {
	query := `
		SELECT c.id, c.type, c.name, c.created_at
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1
		ORDER BY c.created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c := &Conversation{}
		if err := rows.Scan(&c.ID, &c.Type, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range convs {
		participants, err := r.participants(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.Participants = participants
	}
	return convs, nil
}

// DirectBetween finds the direct conversation for an unordered user pair.
func (r *ConversationRepository) DirectBetween(ctx context.Context, userA, userB uuid.UUID) (*Conversation, error) {
	query := `
		SELECT c.id
		FROM conversations c
		WHERE c.type = 'direct'
		  AND c.id IN (
			SELECT conversation_id FROM participants
			WHERE user_id IN ($1, $2)
			GROUP BY conversation_id
			HAVING COUNT(user_id) = 2
		  )
		LIMIT 1
	`
	var id uuid.UUID
	err := r.db.QueryRowContext(ctx, query, userA, userB).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("conversation")
		}
		return nil, err
	}
	return r.GetWithParticipants(ctx, id)
}

// GetOrCreateDirect enforces the one-direct-conversation-per-pair invariant.
func (r *ConversationRepository) GetOrCreateDirect(ctx context.Context, userA, userB uuid.UUID) (*Conversation, error) {
	if userA == userB {
		return nil, fmt.Errorf("direct conversation requires two distinct users")
	}
	existing, err := r.DirectBetween(ctx, userA, userB)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	return r.create(ctx, ConversationDirect, nil, []uuid.UUID{userA, userB})
}

// CreateGroup creates a group conversation containing the creator.
func (r *ConversationRepository) CreateGroup(ctx context.Context, creator uuid.UUID, name string, participantIDs []uuid.UUID) (*Conversation, error) {
	ids := lo.Uniq(append(participantIDs, creator))
	return r.create(ctx, ConversationGroup, &name, ids)
}

func (r *ConversationRepository) create(ctx context.Context, typ ConversationType, name *string, participantIDs []uuid.UUID) (*Conversation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	id := uuid.New()
	query := "INSERT INTO conversations (id, type, name) VALUES ($1, $2, $3)"
	if _, err := tx.ExecContext(ctx, query, id, typ, name); err != nil {
		return nil, err
	}
	for _, uid := range participantIDs {
		insert := "INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2)"
		if _, err := tx.ExecContext(ctx, insert, id, uid); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r.GetWithParticipants(ctx, id)
}
