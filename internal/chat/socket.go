package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/errs"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/realtime"
)

// Inbound websocket events.
const (
	EventJoin        = "join"
	EventLeave       = "leave"
	EventSend        = "send"
	EventDelete      = "delete"
	EventPin         = "pin"
	EventUnpin       = "unpin"
	EventListViewers = "listViewers"
)

// Ack is the data of an "ack" frame.
type Ack map[string]interface{}

type frame struct {
	SessionID string             `json:"sessionId"`
	MessageID string             `json:"messageId"`
	LocalID   string             `json:"localId"`
	Text      string             `json:"text"`
	Type      models.MessageType `json:"type"`
}

// SocketHandler dispatches websocket frames to the Service.
type SocketHandler struct {
	svc    *Service
	logger *zap.Logger
}

// NewSocketHandler creates the websocket frame handler.
func NewSocketHandler(svc *Service, logger *zap.Logger) *SocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SocketHandler{svc: svc, logger: logger}
}

func actorOf(c *realtime.Client) Actor {
	return Actor{
		ConnID:    c.ID,
		UserID:    c.Identity.UserID,
		Name:      c.Identity.Name,
		AvatarURL: c.Identity.AvatarURL,
	}
}

// HandleFrame implements realtime.FrameHandler.
func (h *SocketHandler) HandleFrame(ctx context.Context, c *realtime.Client, msg realtime.WSMessage) (interface{}, bool) {
	a := actorOf(c)
	var f frame
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			return h.fail(msg.Event, fmt.Errorf("%w: %v", errs.ErrInvalid, err)), true
		}
	}
	sessionID, err := uuid.Parse(f.SessionID)

	switch msg.Event {
	case EventTyping, EventTypingStop:
		if err == nil {
			h.svc.Typing(a, sessionID, msg.Event == EventTypingStop)
		}
		return nil, false
	}
	if err != nil {
		return h.fail(msg.Event, fmt.Errorf("%w: sessionId", errs.ErrInvalid)), true
	}

	switch msg.Event {
	case EventJoin:
		res, err := h.svc.Join(ctx, a, sessionID)
		if err != nil {
			return h.fail(msg.Event, err), true
		}
		return Ack{"ok": true, "viewerCount": res.ViewerCount, "uniqueCount": res.UniqueCount}, true
	case EventLeave:
		return Ack{"ok": true, "left": h.svc.Leave(a, sessionID)}, true
	case EventSend:
		m, err := h.svc.Send(ctx, a, sessionID, SendRequest{LocalID: f.LocalID, Text: f.Text, Type: f.Type})
		if err != nil {
			return h.fail(msg.Event, err), true
		}
		return Ack{"ok": true, "message": m}, true
	case EventDelete:
		return h.result(msg.Event, h.svc.Delete(ctx, a, sessionID, f.MessageID)), true
	case EventPin:
		return h.result(msg.Event, h.svc.Pin(ctx, a, sessionID, f.MessageID)), true
	case EventUnpin:
		return h.result(msg.Event, h.svc.Unpin(ctx, a, sessionID)), true
	case EventListViewers:
		list, err := h.svc.ListViewers(ctx, sessionID)
		if err != nil {
			return h.fail(msg.Event, err), true
		}
		return Ack{"ok": true, "viewers": list.Viewers, "total": list.Total, "unique": list.Unique}, true
	default:
		return h.fail(msg.Event, fmt.Errorf("%w: unknown event %q", errs.ErrInvalid, msg.Event)), true
	}
}

// Disconnected implements realtime.FrameHandler.
func (h *SocketHandler) Disconnected(c *realtime.Client) {
	h.svc.Disconnected(actorOf(c))
}

func (h *SocketHandler) result(event string, err error) Ack {
	if err != nil {
		return h.fail(event, err)
	}
	return Ack{"ok": true}
}

func (h *SocketHandler) fail(event string, err error) Ack {
	code := errs.Code(err)
	if code == errs.CodeInternal {
		h.logger.Error("chat request failed", zap.String("event", event), zap.Error(err))
	}
	ack := Ack{"ok": false, "error": code}
	if secs := errs.RetryAfterSeconds(err); secs > 0 {
		ack["retryAfter"] = secs
	}
	return ack
}
