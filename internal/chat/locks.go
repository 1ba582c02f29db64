package chat

import (
	"sync"

	"github.com/google/uuid"
)

// sessionLocks serializes work per session. Entries are dropped when no caller holds or
// waits on them.
type sessionLocks struct {
	mu sync.Mutex
	m  map[uuid.UUID]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (l *sessionLocks) lock(id uuid.UUID) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[uuid.UUID]*refLock)
	}
	e, ok := l.m[id]
	if !ok {
		e = &refLock{}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}

func (l *sessionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
