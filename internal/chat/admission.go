package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/errs"
)

const (
	// DefaultRateLimit is the number of accepted sends allowed per sender per session in any
	// rolling RateWindow.
	DefaultRateLimit = 10
	RateWindow       = time.Second
)

type senderKey struct {
	session uuid.UUID
	sender  uuid.UUID
}

type senderLog struct {
	last     time.Time
	accepted []time.Time // oldest first, at most limit entries
}

// Table holds per-(session, sender) admission state: the last accepted send for slow mode
// and a sliding log of recent accepts for the rate limit. Check and Commit are separate so
// only persisted messages count against the sender.
type Table struct {
	mu      sync.Mutex
	limit   int
	now     func() time.Time
	senders map[senderKey]*senderLog
}

// NewTable creates an admission table. A non-positive limit uses DefaultRateLimit.
func NewTable(limit int) *Table {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	return &Table{limit: limit, now: time.Now, senders: make(map[senderKey]*senderLog)}
}

// Check returns a throttling error if sender may not send to sessionID now.
func (t *Table) Check(sessionID, sender uuid.UUID, slowMode time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	log, ok := t.senders[senderKey{sessionID, sender}]
	if !ok {
		return nil
	}
	now := t.now()
	if slowMode > 0 && !log.last.IsZero() {
		if wait := log.last.Add(slowMode).Sub(now); wait > 0 {
			return errs.Throttled(errs.ErrSlowMode, wait)
		}
	}
	log.prune(now)
	if len(log.accepted) >= t.limit {
		return errs.Throttled(errs.ErrRateLimited, log.accepted[0].Add(RateWindow).Sub(now))
	}
	return nil
}

// Commit records an accepted send.
func (t *Table) Commit(sessionID, sender uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := senderKey{sessionID, sender}
	log, ok := t.senders[key]
	if !ok {
		log = &senderLog{}
		t.senders[key] = log
	}
	now := t.now()
	log.prune(now)
	log.last = now
	log.accepted = append(log.accepted, now)
	if over := len(log.accepted) - t.limit; over > 0 {
		log.accepted = log.accepted[over:]
	}
}

// Forget drops every entry of sessionID.
func (t *Table) Forget(sessionID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.senders {
		if key.session == sessionID {
			delete(t.senders, key)
		}
	}
}

// Len returns the number of tracked senders.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.senders)
}

func (l *senderLog) prune(now time.Time) {
	i := 0
	for i < len(l.accepted) && now.Sub(l.accepted[i]) >= RateWindow {
		i++
	}
	l.accepted = l.accepted[i:]
}
