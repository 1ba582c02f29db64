package sessions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/errs"
	"github.com/aura-live/backend/internal/models"
)

// Moderation actions.
const (
	ActionBlock   = "block"
	ActionUnblock = "unblock"
	ActionMute    = "mute"
	ActionUnmute  = "unmute"
)

// MaxSlowModeSec caps the slow-mode interval a host can set.
const MaxSlowModeSec = 3600

// Records is the session repository surface used by Lifecycle.
type Records interface {
	Store
	Create(ctx context.Context, s *models.LiveSession) error
	GetByChannel(ctx context.Context, channelRef string) (*models.LiveSession, error)
	ListLive(ctx context.Context, limit int) ([]models.LiveSession, error)
	MarkLive(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	UpdateChatSettings(ctx context.Context, id uuid.UUID, s ChatSettings) error
	AddToList(ctx context.Context, id uuid.UUID, list ModerationList, userID uuid.UUID) error
	RemoveFromList(ctx context.Context, id uuid.UUID, list ModerationList, userID uuid.UUID) error
}

// CreateInput describes a new session.
type CreateInput struct {
	Title       string
	ChannelRef  string
	ChatEnabled bool
	ChatMode    models.ChatMode
	SlowModeSec int
}

// Lifecycle drives sessions through scheduled, live and ended.
type Lifecycle struct {
	repo   Records
	bus    *Bus
	logger *zap.Logger
}

// NewLifecycle creates the lifecycle service.
func NewLifecycle(repo Records, bus *Bus, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{repo: repo, bus: bus, logger: logger}
}

// Create schedules a session for hostID. A channel reference and stream key are generated
// when the ingestion service did not supply one.
func (l *Lifecycle) Create(ctx context.Context, hostID uuid.UUID, in CreateInput) (*models.LiveSession, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title required", errs.ErrInvalid)
	}
	mode := in.ChatMode
	if mode == "" {
		mode = models.ChatModeOpen
	}
	if err := validateChat(mode, in.SlowModeSec); err != nil {
		return nil, err
	}
	channel := strings.TrimSpace(in.ChannelRef)
	if channel == "" {
		channel = "ch_" + strings.ToLower(ulid.Make().String())
	}
	s := &models.LiveSession{
		HostID:     hostID,
		Title:      title,
		ChannelRef: channel,
		StreamKey:  "sk_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Status:     models.SessionStatusScheduled,
		Chat:       models.ChatConfig{Enabled: in.ChatEnabled, Mode: mode, SlowModeSec: in.SlowModeSec},
	}
	if err := l.repo.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	l.logger.Info("session scheduled", zap.String("session_id", s.ID.String()), zap.String("host_id", hostID.String()))
	return s, nil
}

// Get returns a session.
func (l *Lifecycle) Get(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	return l.repo.GetByID(ctx, id)
}

// ByChannel returns the session bound to an ingestion channel.
func (l *Lifecycle) ByChannel(ctx context.Context, channelRef string) (*models.LiveSession, error) {
	return l.repo.GetByChannel(ctx, channelRef)
}

// ListLive returns the sessions broadcasting now.
func (l *Lifecycle) ListLive(ctx context.Context, limit int) ([]models.LiveSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return l.repo.ListLive(ctx, limit)
}

// Start moves a scheduled session to live and announces it. Starting a live session again
// returns it unchanged; an ended session cannot restart.
func (l *Lifecycle) Start(ctx context.Context, id uuid.UUID, at time.Time) (*models.LiveSession, error) {
	sess, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case models.SessionStatusLive:
		return sess, nil
	case models.SessionStatusEnded:
		return nil, fmt.Errorf("%w: session has ended", errs.ErrInvalid)
	}
	started, err := l.repo.MarkLive(ctx, id, at)
	if err != nil {
		return nil, fmt.Errorf("mark live: %w", err)
	}
	if sess, err = l.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	if started {
		l.bus.EmitSessionStarted(sess)
	}
	return sess, nil
}

// Stop finalizes the session and announces the end.
func (l *Lifecycle) Stop(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	return l.bus.End(ctx, id)
}

// HostSession loads a session and checks userID hosts it.
func (l *Lifecycle) HostSession(ctx context.Context, id, userID uuid.UUID) (*models.LiveSession, error) {
	sess, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID == uuid.Nil || sess.HostID != userID {
		return nil, errs.ErrForbidden
	}
	return sess, nil
}

// UpdateChat applies chat settings. Host only.
func (l *Lifecycle) UpdateChat(ctx context.Context, id, userID uuid.UUID, s ChatSettings) (*models.LiveSession, error) {
	if _, err := l.HostSession(ctx, id, userID); err != nil {
		return nil, err
	}
	if s.Mode != nil || s.SlowModeSec != nil {
		mode, slow := models.ChatModeOpen, 0
		if s.Mode != nil {
			mode = *s.Mode
		}
		if s.SlowModeSec != nil {
			slow = *s.SlowModeSec
		}
		if err := validateChat(mode, slow); err != nil {
			return nil, err
		}
	}
	if err := l.repo.UpdateChatSettings(ctx, id, s); err != nil {
		return nil, fmt.Errorf("update chat settings: %w", err)
	}
	return l.repo.GetByID(ctx, id)
}

// Moderate blocks, unblocks, mutes or unmutes target in a session. Host only; the host
// cannot moderate themselves.
func (l *Lifecycle) Moderate(ctx context.Context, id, userID uuid.UUID, action string, target uuid.UUID) error {
	sess, err := l.HostSession(ctx, id, userID)
	if err != nil {
		return err
	}
	if target == uuid.Nil || target == sess.HostID {
		return fmt.Errorf("%w: target user", errs.ErrInvalid)
	}
	switch action {
	case ActionBlock:
		err = l.repo.AddToList(ctx, id, ListBlocked, target)
	case ActionUnblock:
		err = l.repo.RemoveFromList(ctx, id, ListBlocked, target)
	case ActionMute:
		err = l.repo.AddToList(ctx, id, ListMuted, target)
	case ActionUnmute:
		err = l.repo.RemoveFromList(ctx, id, ListMuted, target)
	default:
		return fmt.Errorf("%w: action %q", errs.ErrInvalid, action)
	}
	if err != nil {
		return fmt.Errorf("%s user: %w", action, err)
	}
	l.logger.Info("chat moderation", zap.String("session_id", id.String()), zap.String("action", action), zap.String("target", target.String()))
	return nil
}

func validateChat(mode models.ChatMode, slowModeSec int) error {
	switch mode {
	case models.ChatModeOpen, models.ChatModeFollowers:
	default:
		return fmt.Errorf("%w: chat mode %q", errs.ErrInvalid, mode)
	}
	if slowModeSec < 0 || slowModeSec > MaxSlowModeSec {
		return fmt.Errorf("%w: slow mode must be between 0 and %d seconds", errs.ErrInvalid, MaxSlowModeSec)
	}
	return nil
}
