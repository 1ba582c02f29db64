package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aura-live/backend/internal/errs"
	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/presence"
)

const (
	// EventAck answers a request frame that carried an id.
	EventAck = "ack"

	sendBuffer   = 256
	readLimit    = 65536
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope. Requests that expect an acknowledgment carry
// an ID which is echoed on the "ack" frame.
type WSMessage struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Identity is the verified identity attached to a connection. Guests have a nil UserID.
type Identity struct {
	UserID    uuid.UUID
	Name      string
	AvatarURL string
	Role      string
}

// Guest reports whether the connection is unauthenticated.
func (i Identity) Guest() bool { return i.UserID == uuid.Nil }

// TokenValidator turns a bearer token into an identity.
type TokenValidator func(token string) (Identity, error)

// FrameHandler processes inbound frames. HandleFrame returns the ack payload and whether
// the event is acknowledged at all.
type FrameHandler interface {
	HandleFrame(ctx context.Context, c *Client, msg WSMessage) (ack interface{}, acked bool)
	Disconnected(c *Client)
}

// Client represents a single WebSocket connection.
type Client struct {
	ID       string
	Identity Identity

	session   uuid.UUID // guarded by hub.mu
	hub       *Hub
	conn      *websocket.Conn
	send      chan WSMessage
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewClient creates a connection record not yet bound to a socket. ServeWs binds it; tests
// register it directly.
func NewClient(hub *Hub, identity Identity, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		ID:       uuid.New().String(),
		Identity: identity,
		hub:      hub,
		send:     make(chan WSMessage, sendBuffer),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

func (c *Client) presenceConn() presence.Conn {
	return presence.Conn{ID: c.ID, UserID: c.Identity.UserID}
}

// enqueue hands a frame to the write pump without blocking. A full buffer drops the frame.
func (c *Client) enqueue(msg WSMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		metrics.IncDrop(msg.Event)
		c.logger.Debug("send buffer full, frame dropped", zap.String("client_id", c.ID), zap.String("event", msg.Event))
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ServeWs handles the WebSocket upgrade and runs the client loop. The token query parameter
// is optional; without it the connection is a guest.
func ServeWs(hub *Hub, handler FrameHandler, logger *zap.Logger, validate TokenValidator, inboundPerSec int) gin.HandlerFunc {
	return func(c *gin.Context) {
		var identity Identity
		if token := c.Query("token"); token != "" {
			id, err := validate(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			identity = id
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(hub, identity, logger)
		client.conn = conn
		if inboundPerSec > 0 {
			client.limiter = rate.NewLimiter(rate.Limit(inboundPerSec), inboundPerSec*2)
		}
		hub.Register(client)
		go client.writePump()
		client.readPump(handler)
	}
}

func (c *Client) readPump(handler FrameHandler) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		handler.Disconnected(c)
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		if c.limiter != nil && !c.limiter.Allow() {
			metrics.IncRejection("inbound_flood")
			if msg.ID != "" {
				c.ack(msg.ID, map[string]interface{}{"ok": false, "error": errs.CodeRateLimited, "retryAfter": 1})
			}
			continue
		}

		ack, acked := handler.HandleFrame(ctx, c, msg)
		if acked && msg.ID != "" {
			c.ack(msg.ID, ack)
		}
	}
}

func (c *Client) ack(id string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		c.logger.Error("encode ack", zap.Error(err))
		return
	}
	c.enqueue(WSMessage{Event: EventAck, ID: id, Data: data})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
