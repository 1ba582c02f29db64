// Package presence tracks who is watching each live session and emits debounced viewer counts.
package presence

import (
	"context"

	"github.com/google/uuid"
)

// EventPresence is the group event carrying viewer counts.
const EventPresence = "presence"

// Conn describes one open connection attributed to a session. UserID is uuid.Nil for guests.
type Conn struct {
	ID     string    `json:"id"`
	UserID uuid.UUID `json:"userId"`
}

// Authenticated reports whether the connection carries a verified identity.
func (c Conn) Authenticated() bool { return c.UserID != uuid.Nil }

// Identity is the key used for uniqueness: a user counts once, each guest connection once.
func (c Conn) Identity() string {
	if c.Authenticated() {
		return "user:" + c.UserID.String()
	}
	return "guest:" + c.ID
}

// Snapshot is the current presence view of a session.
type Snapshot struct {
	Current     int `json:"current"`
	Unique      int `json:"unique"`
	Peak        int `json:"peak"`
	TotalUnique int `json:"totalUnique"`
}

// Event is the payload of a presence broadcast.
type Event struct {
	SessionID   uuid.UUID `json:"sessionId"`
	ViewerCount int       `json:"viewerCount"`
	UniqueCount int       `json:"uniqueCount"`
	Peak        int       `json:"peak"`
}

// Enumerator lists the connections currently attributed to a session. Implementations may
// return a partial list together with a non-nil error.
type Enumerator interface {
	Connections(ctx context.Context, sessionID uuid.UUID) ([]Conn, error)
}

// Emitter delivers an event to every connection of a session on every instance. Connection
// except, when non-empty, is skipped.
type Emitter interface {
	Broadcast(sessionID uuid.UUID, event string, payload interface{}, except string)
}

// Count partitions conns into authenticated (deduplicated by user) and guest connections and
// returns the connection count, the distinct identity count and the identities themselves.
func Count(conns []Conn) (current, unique int, identities []string) {
	seen := make(map[string]struct{}, len(conns))
	identities = make([]string, 0, len(conns))
	for _, c := range conns {
		id := c.Identity()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		identities = append(identities, id)
	}
	return len(conns), len(identities), identities
}
