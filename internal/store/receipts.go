package store

import (
	"context"
	"database/sql"
	"errors"

	"chat-core/internal/apperr"

	"github.com/google/uuid"
)

type ReceiptRepository struct {
	db *sql.DB
}

func NewReceiptRepository(db *sql.DB) *ReceiptRepository {
	return &ReceiptRepository{db: db}
}

// CreateReceipt records that a user has read a message. At most one receipt
// exists per (message, user); duplicate calls return the existing row.
func (r *ReceiptRepository) CreateReceipt(ctx context.Context, messageID, userID uuid.UUID) (*ReadReceipt, error) {
	query := `
		INSERT INTO message_read_receipts (message_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (message_id, user_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, messageID, userID); err != nil {
		return nil, err
	}
	return r.GetByMessageAndUser(ctx, messageID, userID)
}

func (r *ReceiptRepository) GetByMessageAndUser(ctx context.Context, messageID, userID uuid.UUID) (*ReadReceipt, error) {
	receipt := &ReadReceipt{}
	query := `
		SELECT message_id, user_id, read_at
		FROM message_read_receipts
		WHERE message_id = $1 AND user_id = $2
	`
	err := r.db.QueryRowContext(ctx, query, messageID, userID).
		Scan(&receipt.MessageID, &receipt.UserID, &receipt.ReadAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("read receipt")
		}
		return nil, err
	}
	return receipt, nil
}

func (r *ReceiptRepository) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*ReadReceipt, error) {
	query := `
		SELECT message_id, user_id, read_at
		FROM message_read_receipts
		WHERE message_id = $1
		ORDER BY read_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []*ReadReceipt
	for rows.Next() {
		receipt := &ReadReceipt{}
		if err := rows.Scan(&receipt.MessageID, &receipt.UserID, &receipt.ReadAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, rows.Err()
}
