// Package chat implements the per-connection chat protocol: joining and leaving session
// groups, admission-controlled sends, host moderation and the read paths over the message log.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/errs"
	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/presence"
)

// Group broadcast events.
const (
	EventNew        = "new"
	EventDeleted    = "deleted"
	EventPinned     = "pinned"
	EventUnpinned   = "unpinned"
	EventTyping     = "typing"
	EventTypingStop = "typingStop"
	EventSystem     = "system"
)

const (
	DefaultPersistTimeout = 5 * time.Second
	DefaultMaxMessageLen  = 500
	DefaultTailLimit      = 50
	DefaultTailMaxLimit   = 200
)

// SessionStore reads the live-session record and updates its pin.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	SetPinnedMessage(ctx context.Context, id uuid.UUID, messageID *string) error
}

// MessageStore is the append-only chat log. Create also bumps the session's message counters.
type MessageStore interface {
	Create(ctx context.Context, msg *models.ChatMessage) error
	GetByID(ctx context.Context, sessionID uuid.UUID, id string) (*models.ChatMessage, error)
	SoftDelete(ctx context.Context, sessionID uuid.UUID, id string, by uuid.UUID, reason string) error
	ListAfter(ctx context.Context, sessionID uuid.UUID, after time.Time, limit int) ([]models.ChatMessage, error)
	ListByOffset(ctx context.Context, sessionID uuid.UUID, from, to int) ([]models.ChatMessage, error)
}

// ProfileStore resolves viewer profiles and the follow graph.
type ProfileStore interface {
	ListProfiles(ctx context.Context, ids []uuid.UUID) ([]models.Profile, error)
	IsFollower(ctx context.Context, followerID, hostID uuid.UUID) (bool, error)
}

// Groups is the broadcast group registry (the realtime hub).
type Groups interface {
	JoinGroup(sessionID uuid.UUID, connID string) (previous uuid.UUID, err error)
	LeaveGroup(sessionID uuid.UUID, connID string) bool
	SessionOf(connID string) uuid.UUID
	Broadcast(sessionID uuid.UUID, event string, payload interface{}, except string)
}

// Presence is the slice of the presence tracker the chat path drives.
type Presence interface {
	ScheduleRecompute(sessionID uuid.UUID)
	ReadSnapshot(ctx context.Context, sessionID uuid.UUID) (presence.Snapshot, error)
}

// Actor is who performs a chat action. ConnID is empty for HTTP callers.
type Actor struct {
	ConnID    string
	UserID    uuid.UUID
	Name      string
	AvatarURL string
}

// Guest reports whether the actor is unauthenticated.
func (a Actor) Guest() bool { return a.UserID == uuid.Nil }

// Config tunes the service. Zero values take the defaults.
type Config struct {
	PersistTimeout time.Duration
	MaxMessageLen  int
	RateLimit      int
	TailMaxLimit   int
}

// Deps are the collaborators of a Service.
type Deps struct {
	Sessions SessionStore
	Messages MessageStore
	Profiles ProfileStore
	Groups   Groups
	Presence Presence
	// Viewers enumerates every connection of a session, across instances when clustered.
	Viewers presence.Enumerator
}

// SendRequest is a client's message submission.
type SendRequest struct {
	LocalID string
	Text    string
	Type    models.MessageType
}

// JoinResult is the immediate presence read returned to a joining connection.
type JoinResult struct {
	ViewerCount int `json:"viewerCount"`
	UniqueCount int `json:"uniqueCount"`
}

// Viewer is one authenticated viewer in a ListViewers response.
type Viewer struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatarUrl"`
	IsHost    bool      `json:"isHost"`
}

// ViewerList is the ListViewers result. Total counts raw connections, guests included.
type ViewerList struct {
	Viewers []Viewer `json:"viewers"`
	Total   int      `json:"total"`
	Unique  int      `json:"unique"`
}

// SystemEvent announces a join or leave to the group.
type SystemEvent struct {
	SessionID uuid.UUID          `json:"sessionId"`
	Type      models.MessageType `json:"type"`
	UserID    *uuid.UUID         `json:"userId"`
	Name      string             `json:"name,omitempty"`
}

// DeletedEvent tells the group a message was hidden.
type DeletedEvent struct {
	SessionID uuid.UUID `json:"sessionId"`
	MessageID string    `json:"messageId"`
}

// PinnedEvent names the newly pinned message and carries it for clients that missed it.
type PinnedEvent struct {
	SessionID uuid.UUID           `json:"sessionId"`
	MessageID string              `json:"messageId"`
	Message   *models.ChatMessage `json:"message"`
}

// UnpinnedEvent names the message that was unpinned.
type UnpinnedEvent struct {
	SessionID uuid.UUID `json:"sessionId"`
	MessageID string    `json:"messageId"`
}

// TypingEvent is relayed to the rest of the group.
type TypingEvent struct {
	SessionID uuid.UUID `json:"sessionId"`
	UserID    uuid.UUID `json:"userId"`
	Name      string    `json:"name"`
}

// Service owns the admission state and runs every chat operation. All mutating operations
// on one session run one at a time, so admission order, persistence order and broadcast
// order agree.
type Service struct {
	sessions SessionStore
	messages MessageStore
	profiles ProfileStore
	groups   Groups
	presence Presence
	viewers  presence.Enumerator

	admission *Table
	locks     sessionLocks
	cfg       Config
	logger    *zap.Logger
}

// NewService creates a chat service.
func NewService(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = DefaultMaxMessageLen
	}
	if cfg.TailMaxLimit <= 0 {
		cfg.TailMaxLimit = DefaultTailMaxLimit
	}
	return &Service{
		sessions:  deps.Sessions,
		messages:  deps.Messages,
		profiles:  deps.Profiles,
		groups:    deps.Groups,
		presence:  deps.Presence,
		viewers:   deps.Viewers,
		admission: NewTable(cfg.RateLimit),
		cfg:       cfg,
		logger:    logger,
	}
}

// Join adds the actor's connection to the session group. A connection already in another
// session leaves it first.
func (s *Service) Join(ctx context.Context, a Actor, sessionID uuid.UUID) (JoinResult, error) {
	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return JoinResult{}, err
	}
	if !sess.ChatOpen() {
		return JoinResult{}, s.reject(errs.ErrNotLive)
	}
	if sess.Chat.IsBlocked(a.UserID) {
		return JoinResult{}, s.reject(errs.ErrBlocked)
	}

	if s.groups.SessionOf(a.ConnID) != sessionID {
		previous, err := s.groups.JoinGroup(sessionID, a.ConnID)
		if err != nil {
			return JoinResult{}, err
		}
		if previous != uuid.Nil {
			s.announceLeave(previous, a)
		}
		s.groups.Broadcast(sessionID, EventSystem, systemEvent(sessionID, models.MessageTypeJoin, a), a.ConnID)
		s.presence.ScheduleRecompute(sessionID)
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	snap, err := s.presence.ReadSnapshot(rctx, sessionID)
	if err != nil {
		s.logger.Warn("join snapshot incomplete", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
	return JoinResult{ViewerCount: snap.Current, UniqueCount: snap.Unique}, nil
}

// Leave removes the actor's connection from the session group and reports whether it was
// a member.
func (s *Service) Leave(a Actor, sessionID uuid.UUID) bool {
	if !s.groups.LeaveGroup(sessionID, a.ConnID) {
		return false
	}
	s.announceLeave(sessionID, a)
	return true
}

// Disconnected runs the leave path for a connection that closed while joined.
func (s *Service) Disconnected(a Actor) {
	if sessionID := s.groups.SessionOf(a.ConnID); sessionID != uuid.Nil {
		s.Leave(a, sessionID)
	}
}

func (s *Service) announceLeave(sessionID uuid.UUID, a Actor) {
	s.groups.Broadcast(sessionID, EventSystem, systemEvent(sessionID, models.MessageTypeLeave, a), "")
	s.presence.ScheduleRecompute(sessionID)
}

// Send admits, persists and broadcasts one message. The sender's own connection does not
// receive the broadcast; the returned message is its confirmation.
func (s *Service) Send(ctx context.Context, a Actor, sessionID uuid.UUID, req SendRequest) (*models.ChatMessage, error) {
	msgType := req.Type
	if msgType == "" {
		msgType = models.MessageTypeMessage
	}
	if !msgType.Sendable() {
		return nil, s.reject(fmt.Errorf("%w: message type %q", errs.ErrInvalid, msgType))
	}
	text := truncate(strings.TrimSpace(req.Text), s.cfg.MaxMessageLen)
	if text == "" && msgType == models.MessageTypeMessage {
		return nil, s.reject(fmt.Errorf("%w: empty message", errs.ErrInvalid))
	}
	if a.Guest() {
		return nil, s.reject(errs.ErrForbidden)
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.ChatOpen() {
		return nil, s.reject(errs.ErrNotLive)
	}
	if sess.Chat.IsBlocked(a.UserID) || sess.Chat.IsMuted(a.UserID) {
		return nil, s.reject(errs.ErrBlocked)
	}
	isHost := a.UserID == sess.HostID
	if sess.Chat.Mode == models.ChatModeFollowers && !isHost {
		ok, err := s.isFollower(ctx, a.UserID, sess.HostID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, s.reject(errs.ErrForbidden)
		}
	}
	slowMode := time.Duration(sess.Chat.SlowModeSec) * time.Second
	if err := s.admission.Check(sessionID, a.UserID, slowMode); err != nil {
		return nil, s.reject(err)
	}

	now := time.Now().UTC()
	msg := &models.ChatMessage{
		ID:          ulid.Make().String(),
		LocalID:     req.LocalID,
		SessionID:   sessionID,
		SenderID:    a.UserID,
		DisplayName: a.Name,
		AvatarURL:   a.AvatarURL,
		Type:        msgType,
		Text:        text,
		OffsetSec:   sess.OffsetAt(now),
		CreatedAt:   now,
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	err = s.messages.Create(pctx, msg)
	cancel()
	if err != nil {
		s.logger.Error("persist chat message failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		return nil, fmt.Errorf("persist message: %w", errs.Persist(err))
	}
	s.admission.Commit(sessionID, a.UserID)

	s.groups.Broadcast(sessionID, EventNew, msg, a.ConnID)
	metrics.ChatMessagesTotal.Inc()
	return msg, nil
}

// Delete hides a message. Only the host may delete; deleting the pinned message unpins it.
func (s *Service) Delete(ctx context.Context, a Actor, sessionID uuid.UUID, messageID string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.moderatedSession(ctx, a, sessionID)
	if err != nil {
		return err
	}
	msg, err := s.getMessage(ctx, sessionID, messageID)
	if err != nil {
		return err
	}
	if msg.Deleted {
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	if err := s.messages.SoftDelete(pctx, sessionID, messageID, a.UserID, "host"); err != nil {
		return fmt.Errorf("delete message: %w", errs.Persist(err))
	}
	s.groups.Broadcast(sessionID, EventDeleted, DeletedEvent{SessionID: sessionID, MessageID: messageID}, "")

	if pinned := sess.Chat.PinnedMessageID; pinned != nil && *pinned == messageID {
		if err := s.sessions.SetPinnedMessage(pctx, sessionID, nil); err != nil {
			return fmt.Errorf("unpin deleted message: %w", errs.Persist(err))
		}
		s.groups.Broadcast(sessionID, EventUnpinned, UnpinnedEvent{SessionID: sessionID, MessageID: messageID}, "")
	}
	return nil
}

// Pin makes messageID the session's pinned message. Host only.
func (s *Service) Pin(ctx context.Context, a Actor, sessionID uuid.UUID, messageID string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	if _, err := s.moderatedSession(ctx, a, sessionID); err != nil {
		return err
	}
	msg, err := s.getMessage(ctx, sessionID, messageID)
	if err != nil {
		return err
	}
	if msg.Deleted {
		return s.reject(errs.ErrNotFound)
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	if err := s.sessions.SetPinnedMessage(pctx, sessionID, &messageID); err != nil {
		return fmt.Errorf("pin message: %w", errs.Persist(err))
	}
	s.groups.Broadcast(sessionID, EventPinned, PinnedEvent{SessionID: sessionID, MessageID: msg.ID, Message: msg}, "")
	return nil
}

// Unpin clears the pinned message. Host only; a no-op when nothing is pinned.
func (s *Service) Unpin(ctx context.Context, a Actor, sessionID uuid.UUID) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.moderatedSession(ctx, a, sessionID)
	if err != nil {
		return err
	}
	pinned := sess.Chat.PinnedMessageID
	if pinned == nil {
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	if err := s.sessions.SetPinnedMessage(pctx, sessionID, nil); err != nil {
		return fmt.Errorf("unpin message: %w", errs.Persist(err))
	}
	s.groups.Broadcast(sessionID, EventUnpinned, UnpinnedEvent{SessionID: sessionID, MessageID: *pinned}, "")
	return nil
}

// Typing relays a typing indicator to the rest of the group. Guests and connections that
// are not in the group are ignored.
func (s *Service) Typing(a Actor, sessionID uuid.UUID, stop bool) {
	if a.Guest() || s.groups.SessionOf(a.ConnID) != sessionID {
		return
	}
	event := EventTyping
	if stop {
		event = EventTypingStop
	}
	s.groups.Broadcast(sessionID, event, TypingEvent{SessionID: sessionID, UserID: a.UserID, Name: a.Name}, a.ConnID)
}

// ListViewers returns the authenticated viewers of a session with their profiles.
func (s *Service) ListViewers(ctx context.Context, sessionID uuid.UUID) (ViewerList, error) {
	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return ViewerList{}, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	conns, err := s.viewers.Connections(pctx, sessionID)
	if err != nil {
		s.logger.Debug("viewer enumeration partial", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
	total, unique, _ := presence.Count(conns)

	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for _, c := range conns {
		if !c.Authenticated() {
			continue
		}
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		ids = append(ids, c.UserID)
	}

	profiles, err := s.profiles.ListProfiles(pctx, ids)
	if err != nil {
		return ViewerList{}, fmt.Errorf("list profiles: %w", errs.Persist(err))
	}
	byID := make(map[uuid.UUID]models.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	viewers := make([]Viewer, 0, len(ids))
	for _, id := range ids {
		p := byID[id]
		viewers = append(viewers, Viewer{ID: id, Name: p.Name, AvatarURL: p.AvatarURL, IsHost: id == sess.HostID})
	}
	return ViewerList{Viewers: viewers, Total: total, Unique: unique}, nil
}

// Tail returns non-deleted messages created after the given instant, oldest first.
func (s *Service) Tail(ctx context.Context, sessionID uuid.UUID, after time.Time, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultTailLimit
	}
	if limit > s.cfg.TailMaxLimit {
		limit = s.cfg.TailMaxLimit
	}
	if _, err := s.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	items, err := s.messages.ListAfter(pctx, sessionID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("tail messages: %w", errs.Persist(err))
	}
	if items == nil {
		items = []models.ChatMessage{}
	}
	return items, nil
}

// Replay returns non-deleted messages whose offset lies in [from, to], ordered by offset.
func (s *Service) Replay(ctx context.Context, sessionID uuid.UUID, from, to int) ([]models.ChatMessage, error) {
	if from < 0 || to < from {
		return nil, fmt.Errorf("%w: offset range", errs.ErrInvalid)
	}
	if _, err := s.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	items, err := s.messages.ListByOffset(pctx, sessionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("replay messages: %w", errs.Persist(err))
	}
	if items == nil {
		items = []models.ChatMessage{}
	}
	return items, nil
}

// ArchiveKey returns the storage key of a session's transcript archive.
func (s *Service) ArchiveKey(ctx context.Context, sessionID uuid.UUID) (string, error) {
	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.ChatArchiveKey == "" {
		return "", fmt.Errorf("%w: archive not ready", errs.ErrNotFound)
	}
	return sess.ChatArchiveKey, nil
}

// Cleanup drops the admission state of an ended session.
func (s *Service) Cleanup(sessionID uuid.UUID) {
	s.admission.Forget(sessionID)
}

func (s *Service) loadSession(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	sess, err := s.sessions.GetByID(pctx, sessionID)
	if err != nil {
		return nil, errs.Persist(err)
	}
	return sess, nil
}

// moderatedSession loads the session for a host-only action.
func (s *Service) moderatedSession(ctx context.Context, a Actor, sessionID uuid.UUID) (*models.LiveSession, error) {
	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if a.Guest() || a.UserID != sess.HostID {
		return nil, s.reject(errs.ErrForbidden)
	}
	if !sess.ChatOpen() {
		return nil, s.reject(errs.ErrNotLive)
	}
	return sess, nil
}

func (s *Service) getMessage(ctx context.Context, sessionID uuid.UUID, id string) (*models.ChatMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: messageId", errs.ErrInvalid)
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	msg, err := s.messages.GetByID(pctx, sessionID, id)
	if err != nil {
		return nil, errs.Persist(err)
	}
	return msg, nil
}

func (s *Service) isFollower(ctx context.Context, userID, hostID uuid.UUID) (bool, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	ok, err := s.profiles.IsFollower(pctx, userID, hostID)
	if err != nil {
		return false, fmt.Errorf("check follower: %w", errs.Persist(err))
	}
	return ok, nil
}

func (s *Service) reject(err error) error {
	metrics.IncRejection(errs.Code(err))
	return err
}

func systemEvent(sessionID uuid.UUID, t models.MessageType, a Actor) SystemEvent {
	ev := SystemEvent{SessionID: sessionID, Type: t, Name: a.Name}
	if !a.Guest() {
		id := a.UserID
		ev.UserID = &id
	}
	return ev
}

// truncate cuts s to at most limit runes.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
