// Package sessions owns the live-session lifecycle: the session record, the ingestion
// webhook, and the outbound events that announce sessions starting and ending.
package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/presence"
)

// Outbound events.
const (
	EventSessionStarted = "sessionStarted"
	EventSessionEnded   = "sessionEnded"
)

// Store is the slice of the session repository the bus needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	Finalize(ctx context.Context, id uuid.UUID, st FinalStats) (bool, error)
}

// Broadcaster delivers to one session group or to every connection.
type Broadcaster interface {
	Broadcast(sessionID uuid.UUID, event string, payload interface{}, except string)
	BroadcastDiscovery(event string, payload interface{})
}

// Presence reads and discards the ephemeral counters of a session.
type Presence interface {
	ReadSnapshot(ctx context.Context, sessionID uuid.UUID) (presence.Snapshot, error)
	Cleanup(ctx context.Context, sessionID uuid.UUID) error
}

// Archiver schedules the transcript export of a finalized session.
type Archiver interface {
	EnqueueChatArchive(ctx context.Context, sessionID uuid.UUID) error
}

// EndedEvent is the payload of sessionEnded.
type EndedEvent struct {
	SessionID uuid.UUID `json:"sessionId"`
}

// Bus announces lifecycle changes and performs end-of-session finalization.
type Bus struct {
	store     Store
	groups    Broadcaster
	presence  Presence
	archiver  Archiver
	logger    *zap.Logger
	now       func() time.Time
	mu        sync.Mutex
	finalized []func(sessionID uuid.UUID)
}

// NewBus creates the event bus. archiver may be nil.
func NewBus(store Store, groups Broadcaster, p Presence, archiver Archiver, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{store: store, groups: groups, presence: p, archiver: archiver, logger: logger, now: time.Now}
}

// OnFinalized registers fn to run once after a session is first finalized.
func (b *Bus) OnFinalized(fn func(sessionID uuid.UUID)) {
	b.mu.Lock()
	b.finalized = append(b.finalized, fn)
	b.mu.Unlock()
}

// EmitSessionStarted announces a session on the discovery channel. Only the public
// descriptor is sent.
func (b *Bus) EmitSessionStarted(s *models.LiveSession) {
	b.groups.BroadcastDiscovery(EventSessionStarted, s.Public())
	b.logger.Info("session started", zap.String("session_id", s.ID.String()))
}

// EmitSessionEnded tells both the discovery channel and the session's own group.
func (b *Bus) EmitSessionEnded(sessionID uuid.UUID) {
	ev := EndedEvent{SessionID: sessionID}
	b.groups.BroadcastDiscovery(EventSessionEnded, ev)
	b.groups.Broadcast(sessionID, EventSessionEnded, ev, "")
	b.logger.Info("session ended", zap.String("session_id", sessionID.String()))
}

// FinalizeStats freezes the last presence snapshot into the session record and discards
// the ephemeral counters. On a session that already ended it writes nothing and returns
// the stored record.
func (b *Bus) FinalizeStats(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error) {
	sess, err := b.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Status == models.SessionStatusEnded {
		return sess, nil
	}

	snap, err := b.presence.ReadSnapshot(ctx, sessionID)
	if err != nil {
		b.logger.Warn("final presence snapshot incomplete", zap.String("session_id", sessionID.String()), zap.Error(err))
	}

	endedAt := b.now().UTC()
	if sess.EndedAt != nil {
		endedAt = *sess.EndedAt
	}
	st := FinalStats{
		EndedAt:       endedAt,
		DurationSec:   durationSec(sess.StartedAt, endedAt),
		ViewerPeak:    max(snap.Peak, sess.ViewerPeak),
		UniqueViewers: max(snap.TotalUnique, sess.UniqueViewers),
	}
	updated, err := b.store.Finalize(ctx, sessionID, st)
	if err != nil {
		return nil, fmt.Errorf("finalize session: %w", err)
	}
	if !updated {
		// Another caller finalized first; its values stand.
		return b.store.GetByID(ctx, sessionID)
	}

	if err := b.presence.Cleanup(ctx, sessionID); err != nil {
		b.logger.Warn("presence cleanup failed", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
	metrics.SessionsFinalizedTotal.Inc()
	b.logger.Info("session finalized",
		zap.String("session_id", sessionID.String()),
		zap.Int("duration_sec", st.DurationSec),
		zap.Int("viewer_peak", st.ViewerPeak),
		zap.Int("unique_viewers", st.UniqueViewers))

	if b.archiver != nil {
		if err := b.archiver.EnqueueChatArchive(ctx, sessionID); err != nil {
			b.logger.Error("enqueue chat archive failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	}
	b.mu.Lock()
	hooks := append([]func(uuid.UUID){}, b.finalized...)
	b.mu.Unlock()
	for _, fn := range hooks {
		fn(sessionID)
	}

	sess.Status = models.SessionStatusEnded
	sess.IsActive = false
	sess.EndedAt = &st.EndedAt
	sess.DurationSec = st.DurationSec
	sess.ViewerPeak = st.ViewerPeak
	sess.UniqueViewers = st.UniqueViewers
	return sess, nil
}

// End finalizes a session and announces the end. The announcement is sent even when the
// session had already been finalized, so a repeated end callback is harmless.
func (b *Bus) End(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error) {
	sess, err := b.FinalizeStats(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	b.EmitSessionEnded(sessionID)
	return sess, nil
}

func durationSec(startedAt *time.Time, endedAt time.Time) int {
	if startedAt == nil {
		return 0
	}
	d := endedAt.Sub(*startedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}
