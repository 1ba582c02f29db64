package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/errs"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/presence"
)

// memRecords mirrors the SQL guards of Repository in memory.
type memRecords struct {
	mu        sync.Mutex
	m         map[uuid.UUID]*models.LiveSession
	finalizes int
}

func newMemRecords() *memRecords {
	return &memRecords{m: make(map[uuid.UUID]*models.LiveSession)}
}

func (r *memRecords) put(s *models.LiveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.m[s.ID] = &cp
}

func (r *memRecords) Create(_ context.Context, s *models.LiveSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.ID = uuid.New()
	s.CreatedAt = time.Now().UTC()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	r.m[s.ID] = &cp
	return nil
}

func (r *memRecords) GetByID(_ context.Context, id uuid.UUID) (*models.LiveSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memRecords) GetByChannel(_ context.Context, ref string) (*models.LiveSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.m {
		if s.ChannelRef == ref {
			cp := *s
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r *memRecords) ListLive(_ context.Context, limit int) ([]models.LiveSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.LiveSession
	for _, s := range r.m {
		if s.IsLive() && len(out) < limit {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *memRecords) MarkLive(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[id]
	if !ok || s.Status != models.SessionStatusScheduled {
		return false, nil
	}
	s.Status = models.SessionStatusLive
	s.IsActive = true
	if s.StartedAt == nil {
		s.StartedAt = &at
	}
	return true, nil
}

func (r *memRecords) Finalize(_ context.Context, id uuid.UUID, st FinalStats) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[id]
	if !ok || s.Status == models.SessionStatusEnded {
		return false, nil
	}
	r.finalizes++
	s.Status = models.SessionStatusEnded
	s.IsActive = false
	if s.EndedAt == nil {
		s.EndedAt = &st.EndedAt
	}
	s.DurationSec = st.DurationSec
	s.ViewerPeak = max(s.ViewerPeak, st.ViewerPeak)
	s.UniqueViewers = st.UniqueViewers
	return true, nil
}

func (r *memRecords) UpdateChatSettings(_ context.Context, id uuid.UUID, cs ChatSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[id]
	if !ok {
		return errs.ErrNotFound
	}
	if cs.Enabled != nil {
		s.Chat.Enabled = *cs.Enabled
	}
	if cs.Mode != nil {
		s.Chat.Mode = *cs.Mode
	}
	if cs.SlowModeSec != nil {
		s.Chat.SlowModeSec = *cs.SlowModeSec
	}
	return nil
}

func (r *memRecords) AddToList(_ context.Context, id uuid.UUID, list ModerationList, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[id]
	if !ok {
		return errs.ErrNotFound
	}
	ids := r.list(s, list)
	for _, v := range *ids {
		if v == userID {
			return nil
		}
	}
	*ids = append(*ids, userID)
	return nil
}

func (r *memRecords) RemoveFromList(_ context.Context, id uuid.UUID, list ModerationList, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[id]
	if !ok {
		return errs.ErrNotFound
	}
	ids := r.list(s, list)
	kept := (*ids)[:0]
	for _, v := range *ids {
		if v != userID {
			kept = append(kept, v)
		}
	}
	*ids = kept
	return nil
}

func (r *memRecords) list(s *models.LiveSession, list ModerationList) *[]uuid.UUID {
	if list == ListMuted {
		return &s.Chat.MutedUserIDs
	}
	return &s.Chat.BlockedUserIDs
}

type broadcast struct {
	session uuid.UUID
	event   string
	payload interface{}
}

// recorder captures group and discovery broadcasts.
type recorder struct {
	mu        sync.Mutex
	group     []broadcast
	discovery []broadcast
}

func (r *recorder) Broadcast(sessionID uuid.UUID, event string, payload interface{}, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.group = append(r.group, broadcast{session: sessionID, event: event, payload: payload})
}

func (r *recorder) BroadcastDiscovery(event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovery = append(r.discovery, broadcast{event: event, payload: payload})
}

func (r *recorder) discoveryEvents(event string) []broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast
	for _, b := range r.discovery {
		if b.event == event {
			out = append(out, b)
		}
	}
	return out
}

func (r *recorder) groupEvents(event string) []broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast
	for _, b := range r.group {
		if b.event == event {
			out = append(out, b)
		}
	}
	return out
}

// audience is a settable connection list standing in for the hub.
type audience struct {
	mu    sync.Mutex
	conns []presence.Conn
}

func (a *audience) set(conns ...presence.Conn) {
	a.mu.Lock()
	a.conns = conns
	a.mu.Unlock()
}

func (a *audience) Connections(context.Context, uuid.UUID) ([]presence.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]presence.Conn(nil), a.conns...), nil
}

type archiveQueue struct {
	mu   sync.Mutex
	jobs []uuid.UUID
}

func (q *archiveQueue) EnqueueChatArchive(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	q.jobs = append(q.jobs, id)
	q.mu.Unlock()
	return nil
}

type fixture struct {
	records   *memRecords
	groups    *recorder
	audience  *audience
	store     *presence.MemoryStore
	tracker   *presence.Tracker
	archive   *archiveQueue
	bus       *Bus
	lifecycle *Lifecycle
	host      uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		records:  newMemRecords(),
		groups:   &recorder{},
		audience: &audience{},
		store:    presence.NewMemoryStore(),
		archive:  &archiveQueue{},
		host:     uuid.New(),
	}
	f.tracker = presence.NewTracker(f.audience, f.groups, f.store, time.Hour, nil)
	t.Cleanup(f.tracker.Close)
	f.bus = NewBus(f.records, f.groups, f.tracker, f.archive, nil)
	f.lifecycle = NewLifecycle(f.records, f.bus, nil)
	return f
}

// liveSession stores a session that went live startedAgo before now.
func (f *fixture) liveSession(startedAgo time.Duration) *models.LiveSession {
	started := time.Now().UTC().Add(-startedAgo)
	s := &models.LiveSession{
		ID:         uuid.New(),
		HostID:     f.host,
		Title:      "launch",
		ChannelRef: "ch_" + uuid.NewString(),
		StreamKey:  "sk_secret",
		Status:     models.SessionStatusLive,
		IsActive:   true,
		StartedAt:  &started,
		Chat:       models.ChatConfig{Enabled: true, Mode: models.ChatModeOpen},
	}
	f.records.put(s)
	return s
}
