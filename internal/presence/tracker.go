package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/metrics"
)

const (
	// DefaultDebounce coalesces join/leave bursts into one presence update.
	DefaultDebounce  = 150 * time.Millisecond
	recomputeTimeout = 2 * time.Second
)

// Tracker maintains the eventually-consistent viewer counts of every live session.
// At most one recompute timer is pending per session.
type Tracker struct {
	enum   Enumerator
	emit   Emitter
	store  CounterStore
	window time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]*time.Timer
	closed  bool
}

// NewTracker creates a tracker. A zero window uses DefaultDebounce.
func NewTracker(enum Enumerator, emit Emitter, store CounterStore, window time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Tracker{
		enum:    enum,
		emit:    emit,
		store:   store,
		window:  window,
		logger:  logger,
		pending: make(map[uuid.UUID]*time.Timer),
	}
}

// ScheduleRecompute arms the debounce timer for sessionID unless one is already pending.
func (t *Tracker) ScheduleRecompute(sessionID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if _, ok := t.pending[sessionID]; ok {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(t.window, func() {
		t.mu.Lock()
		if t.pending[sessionID] != timer {
			// Cancelled by Cleanup or Close after firing.
			t.mu.Unlock()
			return
		}
		delete(t.pending, sessionID)
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), recomputeTimeout)
		defer cancel()
		_, err := t.RecomputeAndEmit(ctx, sessionID)
		if errors.Is(err, ErrSessionEnded) {
			t.logger.Debug("presence recompute for ended session dropped", zap.String("session_id", sessionID.String()))
			return
		}
		if err != nil {
			t.logger.Warn("presence recompute skipped", zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	})
	t.pending[sessionID] = timer
}

// Pending reports whether a recompute is armed for sessionID.
func (t *Tracker) Pending(sessionID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[sessionID]
	return ok
}

// RecomputeAndEmit computes the snapshot and broadcasts it to the session group on every
// instance. When the counter backend fails, or the session ended, nothing is emitted and the
// error is returned.
func (t *Tracker) RecomputeAndEmit(ctx context.Context, sessionID uuid.UUID) (Snapshot, error) {
	snap, err := t.snapshot(ctx, sessionID)
	if err != nil {
		return snap, err
	}
	t.emit.Broadcast(sessionID, EventPresence, Event{
		SessionID:   sessionID,
		ViewerCount: snap.Current,
		UniqueCount: snap.Unique,
		Peak:        snap.Peak,
	}, "")
	metrics.PresenceEmitsTotal.Inc()
	return snap, nil
}

// ReadSnapshot returns the current counts without emitting. Current and Unique are filled
// even when the error is non-nil.
func (t *Tracker) ReadSnapshot(ctx context.Context, sessionID uuid.UUID) (Snapshot, error) {
	return t.snapshot(ctx, sessionID)
}

func (t *Tracker) snapshot(ctx context.Context, sessionID uuid.UUID) (Snapshot, error) {
	conns, err := t.enum.Connections(ctx, sessionID)
	if err != nil {
		// Presence is advisory: count whatever the healthy sources returned.
		t.logger.Debug("presence enumeration partial", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
	current, unique, identities := Count(conns)
	snap := Snapshot{Current: current, Unique: unique, Peak: current, TotalUnique: unique}

	if err := t.store.AddUnique(ctx, sessionID, identities...); err != nil {
		return snap, err
	}
	peak, err := t.store.IncrementIfGreater(ctx, sessionID, current)
	if err != nil {
		return snap, err
	}
	snap.Peak = peak
	total, err := t.store.UniqueCount(ctx, sessionID)
	if err != nil {
		return snap, err
	}
	if total > snap.TotalUnique {
		snap.TotalUnique = total
	}
	return snap, nil
}

// Cleanup discards the pending timer and every counter of sessionID. Recomputes that run
// afterwards, here or on another instance, fail with ErrSessionEnded.
func (t *Tracker) Cleanup(ctx context.Context, sessionID uuid.UUID) error {
	t.mu.Lock()
	if timer, ok := t.pending[sessionID]; ok {
		timer.Stop()
		delete(t.pending, sessionID)
	}
	t.mu.Unlock()
	return t.store.Clear(ctx, sessionID)
}

// Close stops all pending timers; later ScheduleRecompute calls are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, timer := range t.pending {
		timer.Stop()
		delete(t.pending, id)
	}
}
