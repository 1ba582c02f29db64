package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a live session.
type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "scheduled"
	SessionStatusLive      SessionStatus = "live"
	SessionStatusEnded     SessionStatus = "ended"
)

// ChatMode controls who may post in a session's chat.
type ChatMode string

const (
	ChatModeOpen      ChatMode = "open"
	ChatModeFollowers ChatMode = "followers"
)

// ChatConfig is the chat configuration and counters stored on a live session.
type ChatConfig struct {
	Enabled         bool        `json:"enabled"`
	Mode            ChatMode    `json:"mode"`
	SlowModeSec     int         `json:"slow_mode_sec"`
	BlockedUserIDs  []uuid.UUID `json:"blocked_user_ids"`
	MutedUserIDs    []uuid.UUID `json:"muted_user_ids"`
	PinnedMessageID *string     `json:"pinned_message_id,omitempty"`
	MessageCount    int64       `json:"message_count"`
	LastMessageAt   *time.Time  `json:"last_message_at,omitempty"`
}

// IsBlocked reports whether userID may not join or post.
func (c ChatConfig) IsBlocked(userID uuid.UUID) bool {
	return containsID(c.BlockedUserIDs, userID)
}

// IsMuted reports whether userID may watch but not post.
func (c ChatConfig) IsMuted(userID uuid.UUID) bool {
	return containsID(c.MutedUserIDs, userID)
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	if id == uuid.Nil {
		return false
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// LiveSession is one broadcast with a bounded lifecycle (scheduled -> live -> ended).
type LiveSession struct {
	ID             uuid.UUID     `json:"id"`
	HostID         uuid.UUID     `json:"host_id"`
	Title          string        `json:"title"`
	ChannelRef     string        `json:"channel_ref"`
	StreamKey      string        `json:"-"`
	Status         SessionStatus `json:"status"`
	IsActive       bool          `json:"is_active"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	DurationSec    int           `json:"duration_sec"`
	ViewerPeak     int           `json:"viewer_peak"`
	UniqueViewers  int           `json:"unique_viewers"`
	Chat           ChatConfig    `json:"chat"`
	ChatArchiveKey string        `json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// IsLive reports whether the session is broadcasting.
func (s *LiveSession) IsLive() bool {
	return s.Status == SessionStatusLive && s.IsActive
}

// ChatOpen reports whether chat actions are currently accepted.
func (s *LiveSession) ChatOpen() bool {
	return s.IsLive() && s.Chat.Enabled
}

// OffsetAt returns whole seconds elapsed between StartedAt and t, never negative.
func (s *LiveSession) OffsetAt(t time.Time) int {
	if s.StartedAt == nil {
		return 0
	}
	d := t.Sub(*s.StartedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// PublicSession is the descriptor broadcast on the discovery channel. It never carries
// ingestion credentials or moderation lists.
type PublicSession struct {
	ID            uuid.UUID     `json:"id"`
	HostID        uuid.UUID     `json:"hostId"`
	Title         string        `json:"title"`
	Status        SessionStatus `json:"status"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
	DurationSec   int           `json:"durationSec"`
	ViewerPeak    int           `json:"viewerPeak"`
	UniqueViewers int           `json:"uniqueViewers"`
	ChatEnabled   bool          `json:"chatEnabled"`
	ChatMode      ChatMode      `json:"chatMode"`
	SlowModeSec   int           `json:"slowModeSec"`
	PinnedMessage *string       `json:"pinnedMessageId,omitempty"`
}

// Public returns the sanitized descriptor.
func (s *LiveSession) Public() PublicSession {
	return PublicSession{
		ID:            s.ID,
		HostID:        s.HostID,
		Title:         s.Title,
		Status:        s.Status,
		StartedAt:     s.StartedAt,
		EndedAt:       s.EndedAt,
		DurationSec:   s.DurationSec,
		ViewerPeak:    s.ViewerPeak,
		UniqueViewers: s.UniqueViewers,
		ChatEnabled:   s.Chat.Enabled,
		ChatMode:      s.Chat.Mode,
		SlowModeSec:   s.Chat.SlowModeSec,
		PinnedMessage: s.Chat.PinnedMessageID,
	}
}
