package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/errs"
	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/presence"
)

const (
	// PingInterval and PongWait are used for heartbeat (seconds).
	PingInterval = 30
	PongWait     = 60
)

// RedisPublisher publishes events for delivery by every instance.
type RedisPublisher interface {
	PublishSessionEvent(sessionID uuid.UUID, env Envelope) error
	PublishDiscoveryEvent(env Envelope) error
}

// RedisSubscriber subscribes to session and discovery channels.
type RedisSubscriber interface {
	SubscribeSession(sessionID uuid.UUID, handler func(Envelope)) (cancel func(), err error)
	SubscribeDiscovery(handler func(Envelope)) (cancel func(), err error)
}

// Roster mirrors group membership outside this process so other instances can count it.
type Roster interface {
	Track(ctx context.Context, sessionID uuid.UUID, conn presence.Conn) error
	Untrack(ctx context.Context, sessionID uuid.UUID, connID string) error
}

// group is one session's broadcast group on this instance. mu serializes membership changes
// and fan-out so every member observes events in the same order.
type group struct {
	mu      sync.Mutex
	members map[string]*Client
}

// Hub owns every open connection on this instance and the session broadcast groups.
// With Redis configured, group and discovery events go through pub/sub so all instances
// deliver them; otherwise they are delivered locally.
type Hub struct {
	clients  map[string]*Client
	groups   map[uuid.UUID]*group
	subs     map[uuid.UUID]func()
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
	roster   Roster
}

// NewHub creates a hub. redisPub, redisSub and roster may be nil for a single process.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber, roster Roster) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:  make(map[string]*Client),
		groups:   make(map[uuid.UUID]*group),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
		roster:   roster,
	}
}

// Start subscribes to the discovery channel until ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	if h.redisSub == nil {
		return nil
	}
	cancel, err := h.redisSub.SubscribeDiscovery(func(env Envelope) {
		h.broadcastAllLocal(env.Event, env.Data)
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return nil
}

// Register adds an open connection.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	metrics.OpenConnections.Inc()
	h.logger.Debug("client connected", zap.String("client_id", c.ID), zap.Bool("guest", c.Identity.Guest()))
}

// Unregister removes a connection. It must be called after the connection left its group.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()
	if ok {
		metrics.OpenConnections.Dec()
	}
	c.close()
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID))
}

// JoinGroup moves a connection into sessionID's group. If it was in another group it is
// removed from that group first and the previous session id is returned. A new group's
// Redis subscription is confirmed before its first member becomes visible.
func (h *Hub) JoinGroup(sessionID uuid.UUID, connID string) (previous uuid.UUID, err error) {
	subErr := h.ensureSubscribed(sessionID)

	h.mu.Lock()
	c, ok := h.clients[connID]
	if !ok {
		h.dropIdleSubLocked(sessionID)
		h.mu.Unlock()
		return uuid.Nil, errs.ErrNotFound
	}
	previous = c.session
	if previous == sessionID {
		h.mu.Unlock()
		return uuid.Nil, nil
	}
	if previous != uuid.Nil {
		h.removeMemberLocked(previous, c)
	}
	g := h.groups[sessionID]
	if g == nil {
		g = &group{members: make(map[string]*Client)}
		h.groups[sessionID] = g
	}
	g.mu.Lock()
	g.members[c.ID] = c
	g.mu.Unlock()
	c.session = sessionID
	// The last member of the group may have left between ensureSubscribed and here,
	// taking the subscription with it.
	resubscribe := h.redisSub != nil && subErr == nil && h.subs[sessionID] == nil
	h.mu.Unlock()

	if previous != uuid.Nil {
		h.afterLeave(previous, c)
	}
	if resubscribe {
		h.subscribe(sessionID)
	}
	if h.roster != nil {
		if err := h.roster.Track(context.Background(), sessionID, c.presenceConn()); err != nil {
			h.logger.Warn("roster track failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	}
	h.logger.Debug("client joined session", zap.String("client_id", c.ID), zap.String("session_id", sessionID.String()))
	return previous, nil
}

// LeaveGroup removes a connection from sessionID's group and reports whether it was a member.
func (h *Hub) LeaveGroup(sessionID uuid.UUID, connID string) bool {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if !ok || c.session != sessionID {
		h.mu.Unlock()
		return false
	}
	h.removeMemberLocked(sessionID, c)
	h.mu.Unlock()
	h.afterLeave(sessionID, c)
	h.logger.Debug("client left session", zap.String("client_id", c.ID), zap.String("session_id", sessionID.String()))
	return true
}

// removeMemberLocked requires h.mu held. The last member leaving drops the group and its
// Redis subscription.
func (h *Hub) removeMemberLocked(sessionID uuid.UUID, c *Client) {
	c.session = uuid.Nil
	g, ok := h.groups[sessionID]
	if !ok {
		return
	}
	g.mu.Lock()
	delete(g.members, c.ID)
	empty := len(g.members) == 0
	g.mu.Unlock()
	if !empty {
		return
	}
	delete(h.groups, sessionID)
	if cancel, ok := h.subs[sessionID]; ok {
		cancel()
		delete(h.subs, sessionID)
	}
}

func (h *Hub) afterLeave(sessionID uuid.UUID, c *Client) {
	if h.roster == nil {
		return
	}
	if err := h.roster.Untrack(context.Background(), sessionID, c.ID); err != nil {
		h.logger.Warn("roster untrack failed", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
}

// ensureSubscribed opens sessionID's Redis subscription unless one is already held.
func (h *Hub) ensureSubscribed(sessionID uuid.UUID) error {
	if h.redisSub == nil {
		return nil
	}
	h.mu.RLock()
	_, ok := h.subs[sessionID]
	h.mu.RUnlock()
	if ok {
		return nil
	}
	cancel, err := h.redisSub.SubscribeSession(sessionID, func(env Envelope) {
		h.deliver(sessionID, env.Event, env.Data, env.Except)
	})
	if err != nil {
		h.logger.Warn("redis subscribe failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] != nil {
		cancel()
		return nil
	}
	h.subs[sessionID] = cancel
	return nil
}

// dropIdleSubLocked requires h.mu held. It releases a subscription whose group never formed.
func (h *Hub) dropIdleSubLocked(sessionID uuid.UUID) {
	if _, alive := h.groups[sessionID]; alive {
		return
	}
	if cancel, ok := h.subs[sessionID]; ok {
		cancel()
		delete(h.subs, sessionID)
	}
}

// subscribe restores the subscription of a group that lost it to a concurrent last leave.
func (h *Hub) subscribe(sessionID uuid.UUID) {
	cancel, err := h.redisSub.SubscribeSession(sessionID, func(env Envelope) {
		h.deliver(sessionID, env.Event, env.Data, env.Except)
	})
	if err != nil {
		h.logger.Warn("redis subscribe failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, alive := h.groups[sessionID]; !alive || h.subs[sessionID] != nil {
		cancel()
		return
	}
	h.subs[sessionID] = cancel
}

// SessionOf returns the session a connection is joined to, or uuid.Nil.
func (h *Hub) SessionOf(connID string) uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[connID]; ok {
		return c.session
	}
	return uuid.Nil
}

// Connections lists this instance's connections in sessionID's group.
func (h *Hub) Connections(_ context.Context, sessionID uuid.UUID) ([]presence.Conn, error) {
	h.mu.RLock()
	g := h.groups[sessionID]
	h.mu.RUnlock()
	if g == nil {
		return nil, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]presence.Conn, 0, len(g.members))
	for _, c := range g.members {
		out = append(out, c.presenceConn())
	}
	return out, nil
}

// AudienceCount returns the number of local connections in a session group.
func (h *Hub) AudienceCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	g := h.groups[sessionID]
	h.mu.RUnlock()
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Broadcast sends an event to every member of sessionID on every instance, except the
// connection named by except (may be empty).
func (h *Hub) Broadcast(sessionID uuid.UUID, event string, payload interface{}, except string) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	if h.redis != nil {
		err := h.redis.PublishSessionEvent(sessionID, Envelope{Event: event, Data: data, Except: except})
		if err == nil {
			return
		}
		// Local members still get the event when Redis is unreachable.
		h.logger.Warn("redis publish failed", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
	h.deliver(sessionID, event, data, except)
}

// BroadcastDiscovery sends an event to every open connection on every instance.
func (h *Hub) BroadcastDiscovery(event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Error("encode discovery", zap.String("event", event), zap.Error(err))
		return
	}
	if h.redis != nil {
		err := h.redis.PublishDiscoveryEvent(Envelope{Event: event, Data: data})
		if err == nil {
			return
		}
		h.logger.Warn("redis discovery publish failed", zap.Error(err))
	}
	h.broadcastAllLocal(event, data)
}

func (h *Hub) deliver(sessionID uuid.UUID, event string, data json.RawMessage, except string) {
	h.mu.RLock()
	g := h.groups[sessionID]
	h.mu.RUnlock()
	if g == nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, c := range g.members {
		if id == except {
			continue
		}
		c.enqueue(msg)
	}
}

func (h *Hub) broadcastAllLocal(event string, data json.RawMessage) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	msg := WSMessage{Event: event, Data: data}
	for _, c := range clients {
		c.enqueue(msg)
	}
}

func encode(payload interface{}) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	case nil:
		return json.RawMessage("{}"), nil
	default:
		return json.Marshal(payload)
	}
}
