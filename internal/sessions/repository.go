package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-live/backend/internal/errs"
	"github.com/aura-live/backend/internal/models"
)

const sessionColumns = `id, host_id, title, channel_ref, stream_key, status, is_active, started_at, ended_at,
	duration_sec, viewer_peak, unique_viewers, chat_enabled, chat_mode, chat_slow_mode_sec,
	chat_blocked_user_ids, chat_muted_user_ids, chat_pinned_message_id, chat_message_count,
	chat_last_message_at, COALESCE(chat_archive_key,''), created_at, updated_at`

// ModerationList names one of the per-session user id lists.
type ModerationList string

const (
	ListBlocked ModerationList = "chat_blocked_user_ids"
	ListMuted   ModerationList = "chat_muted_user_ids"
)

// FinalStats are the values frozen into a session record when it ends.
type FinalStats struct {
	EndedAt       time.Time
	DurationSec   int
	ViewerPeak    int
	UniqueViewers int
}

// ChatSettings is a partial update of a session's chat configuration.
type ChatSettings struct {
	Enabled     *bool
	Mode        *models.ChatMode
	SlowModeSec *int
}

// Repository handles live_sessions persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a live sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a scheduled session. ID, timestamps and chat defaults are filled in.
func (r *Repository) Create(ctx context.Context, s *models.LiveSession) error {
	q := `INSERT INTO live_sessions (host_id, title, channel_ref, stream_key, chat_enabled, chat_mode, chat_slow_mode_sec)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + sessionColumns
	out, err := scanSession(r.pool.QueryRow(ctx, q, s.HostID, s.Title, s.ChannelRef, s.StreamKey,
		s.Chat.Enabled, string(s.Chat.Mode), s.Chat.SlowModeSec))
	if err != nil {
		return err
	}
	*s = *out
	return nil
}

// GetByID returns a session or errs.ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM live_sessions WHERE id = $1`
	return notFound(scanSession(r.pool.QueryRow(ctx, q, id)))
}

// GetByChannel looks a session up by its ingestion channel reference.
func (r *Repository) GetByChannel(ctx context.Context, channelRef string) (*models.LiveSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM live_sessions WHERE channel_ref = $1`
	return notFound(scanSession(r.pool.QueryRow(ctx, q, channelRef)))
}

// ListLive returns sessions currently broadcasting, most recently started first.
func (r *Repository) ListLive(ctx context.Context, limit int) ([]models.LiveSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM live_sessions
		WHERE status = 'live' AND is_active ORDER BY started_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.LiveSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// MarkLive moves a scheduled session to live. It reports false when the session was not
// scheduled, leaving it unchanged.
func (r *Repository) MarkLive(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	const q = `UPDATE live_sessions SET status = 'live', is_active = TRUE,
		started_at = COALESCE(started_at, $2), updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'`
	tag, err := r.pool.Exec(ctx, q, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Finalize writes the ended state and frozen stats. It reports false when the session had
// already ended; an ended row is never rewritten.
func (r *Repository) Finalize(ctx context.Context, id uuid.UUID, st FinalStats) (bool, error) {
	const q = `UPDATE live_sessions SET status = 'ended', is_active = FALSE,
		ended_at = COALESCE(ended_at, $2), duration_sec = $3,
		viewer_peak = GREATEST(viewer_peak, $4), unique_viewers = GREATEST(unique_viewers, $5), updated_at = NOW()
		WHERE id = $1 AND status <> 'ended'`
	tag, err := r.pool.Exec(ctx, q, id, st.EndedAt, st.DurationSec, st.ViewerPeak, st.UniqueViewers)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetPinnedMessage sets or clears (nil) the pinned message.
func (r *Repository) SetPinnedMessage(ctx context.Context, id uuid.UUID, messageID *string) error {
	const q = `UPDATE live_sessions SET chat_pinned_message_id = $2, updated_at = NOW() WHERE id = $1`
	return affected(r.pool.Exec(ctx, q, id, messageID))
}

// UpdateChatSettings applies the non-nil fields of s.
func (r *Repository) UpdateChatSettings(ctx context.Context, id uuid.UUID, s ChatSettings) error {
	var mode *string
	if s.Mode != nil {
		m := string(*s.Mode)
		mode = &m
	}
	const q = `UPDATE live_sessions SET
		chat_enabled = COALESCE($2, chat_enabled),
		chat_mode = COALESCE($3, chat_mode),
		chat_slow_mode_sec = COALESCE($4, chat_slow_mode_sec),
		updated_at = NOW()
		WHERE id = $1`
	return affected(r.pool.Exec(ctx, q, id, s.Enabled, mode, s.SlowModeSec))
}

// AddToList puts userID on a moderation list. Adding twice is a no-op.
func (r *Repository) AddToList(ctx context.Context, id uuid.UUID, list ModerationList, userID uuid.UUID) error {
	col, err := listColumn(list)
	if err != nil {
		return err
	}
	q := `UPDATE live_sessions SET ` + col + ` = CASE WHEN $2 = ANY(` + col + `) THEN ` + col +
		` ELSE array_append(` + col + `, $2) END, updated_at = NOW() WHERE id = $1`
	return affected(r.pool.Exec(ctx, q, id, userID))
}

// RemoveFromList takes userID off a moderation list.
func (r *Repository) RemoveFromList(ctx context.Context, id uuid.UUID, list ModerationList, userID uuid.UUID) error {
	col, err := listColumn(list)
	if err != nil {
		return err
	}
	q := `UPDATE live_sessions SET ` + col + ` = array_remove(` + col + `, $2), updated_at = NOW() WHERE id = $1`
	return affected(r.pool.Exec(ctx, q, id, userID))
}

// SetChatArchiveKey records where a session's transcript was uploaded.
func (r *Repository) SetChatArchiveKey(ctx context.Context, id uuid.UUID, key string) error {
	const q = `UPDATE live_sessions SET chat_archive_key = $2, updated_at = NOW() WHERE id = $1`
	return affected(r.pool.Exec(ctx, q, id, key))
}

func listColumn(list ModerationList) (string, error) {
	switch list {
	case ListBlocked, ListMuted:
		return string(list), nil
	}
	return "", fmt.Errorf("%w: moderation list %q", errs.ErrInvalid, list)
}

func affected(tag interface{ RowsAffected() int64 }, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func notFound(s *models.LiveSession, err error) (*models.LiveSession, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return s, err
}

func scanSession(row pgx.Row) (*models.LiveSession, error) {
	var s models.LiveSession
	var status, mode string
	err := row.Scan(&s.ID, &s.HostID, &s.Title, &s.ChannelRef, &s.StreamKey, &status, &s.IsActive,
		&s.StartedAt, &s.EndedAt, &s.DurationSec, &s.ViewerPeak, &s.UniqueViewers,
		&s.Chat.Enabled, &mode, &s.Chat.SlowModeSec, &s.Chat.BlockedUserIDs, &s.Chat.MutedUserIDs,
		&s.Chat.PinnedMessageID, &s.Chat.MessageCount, &s.Chat.LastMessageAt, &s.ChatArchiveKey,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	s.Chat.Mode = models.ChatMode(mode)
	return &s, nil
}
