package chat

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/errs"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/presence"
	"github.com/aura-live/backend/internal/realtime"
)

type memSessions struct {
	mu sync.Mutex
	m  map[uuid.UUID]*models.LiveSession
}

func (s *memSessions) put(sess *models.LiveSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[uuid.UUID]*models.LiveSession)
	}
	cp := *sess
	s.m[sess.ID] = &cp
}

func (s *memSessions) update(id uuid.UUID, fn func(*models.LiveSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.m[id])
}

func (s *memSessions) GetByID(_ context.Context, id uuid.UUID) (*models.LiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memSessions) SetPinnedMessage(_ context.Context, id uuid.UUID, messageID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	if !ok {
		return errs.ErrNotFound
	}
	sess.Chat.PinnedMessageID = messageID
	return nil
}

func (s *memSessions) pinned(id uuid.UUID) *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[id].Chat.PinnedMessageID
}

type memMessages struct {
	mu    sync.Mutex
	list  []models.ChatMessage
	delay time.Duration
}

func (m *memMessages) Create(ctx context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	cp.LocalID = ""
	m.list = append(m.list, cp)
	return nil
}

func (m *memMessages) setDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

func (m *memMessages) GetByID(_ context.Context, sessionID uuid.UUID, id string) (*models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.list {
		if msg.SessionID == sessionID && msg.ID == id {
			cp := msg
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (m *memMessages) SoftDelete(_ context.Context, sessionID uuid.UUID, id string, by uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.list {
		if m.list[i].SessionID == sessionID && m.list[i].ID == id {
			m.list[i].Deleted = true
			m.list[i].HiddenBy = &by
			m.list[i].Reason = reason
		}
	}
	return nil
}

func (m *memMessages) ListAfter(_ context.Context, sessionID uuid.UUID, after time.Time, limit int) ([]models.ChatMessage, error) {
	out := m.filter(func(msg models.ChatMessage) bool {
		return msg.SessionID == sessionID && msg.CreatedAt.After(after)
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memMessages) ListByOffset(_ context.Context, sessionID uuid.UUID, from, to int) ([]models.ChatMessage, error) {
	out := m.filter(func(msg models.ChatMessage) bool {
		return msg.SessionID == sessionID && msg.OffsetSec >= from && msg.OffsetSec <= to
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].OffsetSec == out[j].OffsetSec {
			return out[i].ID < out[j].ID
		}
		return out[i].OffsetSec < out[j].OffsetSec
	})
	return out, nil
}

func (m *memMessages) filter(keep func(models.ChatMessage) bool) []models.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ChatMessage
	for _, msg := range m.list {
		if !msg.Deleted && keep(msg) {
			out = append(out, msg)
		}
	}
	return out
}

func (m *memMessages) all() []models.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ChatMessage(nil), m.list...)
}

type memProfiles struct {
	profiles map[uuid.UUID]models.Profile
	follows  map[[2]uuid.UUID]bool
}

func (p *memProfiles) ListProfiles(_ context.Context, ids []uuid.UUID) ([]models.Profile, error) {
	var out []models.Profile
	for _, id := range ids {
		if pr, ok := p.profiles[id]; ok {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (p *memProfiles) IsFollower(_ context.Context, followerID, hostID uuid.UUID) (bool, error) {
	return p.follows[[2]uuid.UUID{followerID, hostID}], nil
}

type sent struct {
	session uuid.UUID
	event   string
	payload interface{}
	except  string
}

// recordingGroups records every broadcast on top of a real hub.
type recordingGroups struct {
	*realtime.Hub
	mu   sync.Mutex
	sent []sent
}

func (g *recordingGroups) Broadcast(sessionID uuid.UUID, event string, payload interface{}, except string) {
	g.mu.Lock()
	g.sent = append(g.sent, sent{session: sessionID, event: event, payload: payload, except: except})
	g.mu.Unlock()
	g.Hub.Broadcast(sessionID, event, payload, except)
}

func (g *recordingGroups) events(event string) []sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []sent
	for _, s := range g.sent {
		if s.event == event {
			out = append(out, s)
		}
	}
	return out
}

type presenceRecorder struct {
	mu     sync.Mutex
	events []presence.Event
}

func (r *presenceRecorder) Broadcast(_ uuid.UUID, _ string, payload interface{}, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, payload.(presence.Event))
}

func (r *presenceRecorder) snapshot() []presence.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]presence.Event(nil), r.events...)
}

type testEnv struct {
	svc      *Service
	hub      *realtime.Hub
	groups   *recordingGroups
	sessions *memSessions
	messages *memMessages
	profiles *memProfiles
	emits    *presenceRecorder
	host     uuid.UUID
	session  uuid.UUID
}

func newEnv(t *testing.T, window time.Duration) *testEnv {
	t.Helper()
	hub := realtime.NewHub(nil, nil, nil, nil)
	groups := &recordingGroups{Hub: hub}
	emits := &presenceRecorder{}
	tracker := presence.NewTracker(hub, emits, presence.NewMemoryStore(), window, nil)
	t.Cleanup(tracker.Close)

	host := uuid.New()
	started := time.Now().Add(-90 * time.Second)
	sess := &models.LiveSession{
		ID:        uuid.New(),
		HostID:    host,
		Title:     "launch",
		Status:    models.SessionStatusLive,
		IsActive:  true,
		StartedAt: &started,
		Chat:      models.ChatConfig{Enabled: true, Mode: models.ChatModeOpen},
	}
	sessions := &memSessions{}
	sessions.put(sess)
	messages := &memMessages{}
	profiles := &memProfiles{
		profiles: map[uuid.UUID]models.Profile{host: {ID: host, Name: "Host"}},
		follows:  map[[2]uuid.UUID]bool{},
	}

	svc := NewService(Deps{
		Sessions: sessions,
		Messages: messages,
		Profiles: profiles,
		Groups:   groups,
		Presence: tracker,
		Viewers:  hub,
	}, Config{PersistTimeout: time.Second}, nil)

	return &testEnv{
		svc:      svc,
		hub:      hub,
		groups:   groups,
		sessions: sessions,
		messages: messages,
		profiles: profiles,
		emits:    emits,
		host:     host,
		session:  sess.ID,
	}
}

func (e *testEnv) connect(userID uuid.UUID, name string) Actor {
	c := realtime.NewClient(e.hub, realtime.Identity{UserID: userID, Name: name}, nil)
	e.hub.Register(c)
	return Actor{ConnID: c.ID, UserID: userID, Name: name}
}

func (e *testEnv) hostActor() Actor {
	return e.connect(e.host, "Host")
}
