package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionEnded is returned by counter writes for a session whose counters were cleared.
var ErrSessionEnded = errors.New("presence: session ended")

// CounterStore keeps the per-session peak and the lifetime set of distinct identities.
// Writers on different processes must converge without a global lock. Clear marks the
// session ended; later writes for it fail with ErrSessionEnded instead of recreating state.
type CounterStore interface {
	// IncrementIfGreater raises the stored peak to n when n exceeds it and returns the peak.
	IncrementIfGreater(ctx context.Context, sessionID uuid.UUID, n int) (int, error)
	AddUnique(ctx context.Context, sessionID uuid.UUID, identities ...string) error
	UniqueCount(ctx context.Context, sessionID uuid.UUID) (int, error)
	Clear(ctx context.Context, sessionID uuid.UUID) error
}

// MemoryStore is the single-process CounterStore.
type MemoryStore struct {
	mu      sync.Mutex
	peaks   map[uuid.UUID]int
	uniques map[uuid.UUID]map[string]struct{}
	ended   map[uuid.UUID]time.Time
	now     func() time.Time
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		peaks:   make(map[uuid.UUID]int),
		uniques: make(map[uuid.UUID]map[string]struct{}),
		ended:   make(map[uuid.UUID]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryStore) IncrementIfGreater(_ context.Context, sessionID uuid.UUID, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ended[sessionID]; ok {
		return 0, ErrSessionEnded
	}
	if n > m.peaks[sessionID] {
		m.peaks[sessionID] = n
	}
	return m.peaks[sessionID], nil
}

func (m *MemoryStore) AddUnique(_ context.Context, sessionID uuid.UUID, identities ...string) error {
	if len(identities) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ended[sessionID]; ok {
		return ErrSessionEnded
	}
	set := m.uniques[sessionID]
	if set == nil {
		set = make(map[string]struct{}, len(identities))
		m.uniques[sessionID] = set
	}
	for _, id := range identities {
		set[id] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) UniqueCount(_ context.Context, sessionID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uniques[sessionID]), nil
}

// Clear drops the counters of sessionID and remembers it as ended for counterTTL. Older
// end markers are pruned here.
func (m *MemoryStore) Clear(_ context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peaks, sessionID)
	delete(m.uniques, sessionID)
	now := m.now()
	for id, at := range m.ended {
		if now.Sub(at) > counterTTL {
			delete(m.ended, id)
		}
	}
	m.ended[sessionID] = now
	return nil
}
