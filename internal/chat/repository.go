package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-live/backend/internal/errs"
	"github.com/aura-live/backend/internal/models"
)

const messageColumns = `id, session_id, sender_id, display_name, COALESCE(avatar_url,''), type, text,
	offset_sec, deleted, hidden_by, COALESCE(reason,''), created_at`

// Repository handles chat_messages persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a chat message repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create appends a message and bumps the session's message counters in one transaction.
func (r *Repository) Create(ctx context.Context, m *models.ChatMessage) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const insert = `INSERT INTO chat_messages (id, session_id, sender_id, display_name, avatar_url, type, text, offset_sec, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5,''), $6, $7, $8, $9)`
		if _, err := tx.Exec(ctx, insert, m.ID, m.SessionID, m.SenderID, m.DisplayName, m.AvatarURL,
			string(m.Type), m.Text, m.OffsetSec, m.CreatedAt); err != nil {
			return err
		}
		const bump = `UPDATE live_sessions SET chat_message_count = chat_message_count + 1,
			chat_last_message_at = GREATEST(COALESCE(chat_last_message_at, $2), $2), updated_at = NOW()
			WHERE id = $1`
		_, err := tx.Exec(ctx, bump, m.SessionID, m.CreatedAt)
		return err
	})
}

// GetByID returns one message of a session, deleted or not.
func (r *Repository) GetByID(ctx context.Context, sessionID uuid.UUID, id string) (*models.ChatMessage, error) {
	q := `SELECT ` + messageColumns + ` FROM chat_messages WHERE session_id = $1 AND id = $2`
	m, err := scanMessage(r.pool.QueryRow(ctx, q, sessionID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// SoftDelete flags a message as hidden. Rows are never removed.
func (r *Repository) SoftDelete(ctx context.Context, sessionID uuid.UUID, id string, by uuid.UUID, reason string) error {
	const q = `UPDATE chat_messages SET deleted = TRUE, hidden_by = $3, reason = NULLIF($4,'')
		WHERE session_id = $1 AND id = $2 AND NOT deleted`
	_, err := r.pool.Exec(ctx, q, sessionID, id, by, reason)
	return err
}

// ListAfter returns non-deleted messages created strictly after the given instant, oldest first.
func (r *Repository) ListAfter(ctx context.Context, sessionID uuid.UUID, after time.Time, limit int) ([]models.ChatMessage, error) {
	q := `SELECT ` + messageColumns + ` FROM chat_messages
		WHERE session_id = $1 AND NOT deleted AND created_at > $2
		ORDER BY created_at, id LIMIT $3`
	return r.list(ctx, q, sessionID, after, limit)
}

// ListByOffset returns non-deleted messages with offset_sec in [from, to], ordered by offset then id.
func (r *Repository) ListByOffset(ctx context.Context, sessionID uuid.UUID, from, to int) ([]models.ChatMessage, error) {
	q := `SELECT ` + messageColumns + ` FROM chat_messages
		WHERE session_id = $1 AND NOT deleted AND offset_sec BETWEEN $2 AND $3
		ORDER BY offset_sec, id`
	return r.list(ctx, q, sessionID, from, to)
}

func (r *Repository) list(ctx context.Context, q string, args ...interface{}) ([]models.ChatMessage, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}

func scanMessage(row pgx.Row) (*models.ChatMessage, error) {
	var m models.ChatMessage
	var msgType string
	err := row.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.DisplayName, &m.AvatarURL, &msgType, &m.Text,
		&m.OffsetSec, &m.Deleted, &m.HiddenBy, &m.Reason, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Type = models.MessageType(msgType)
	return &m, nil
}
