package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/internal/errs"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/realtime"
)

func frameOf(t *testing.T, event string, data interface{}) realtime.WSMessage {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return realtime.WSMessage{Event: event, ID: "req-1", Data: raw}
}

func socketClient(env *testEnv, userID uuid.UUID, name string) *realtime.Client {
	c := realtime.NewClient(env.hub, realtime.Identity{UserID: userID, Name: name}, nil)
	env.hub.Register(c)
	return c
}

func TestSocket_JoinSendLeave(t *testing.T) {
	env := newEnv(t, 20*time.Millisecond)
	h := NewSocketHandler(env.svc, nil)
	ctx := context.Background()
	c := socketClient(env, uuid.New(), "Ada")
	sid := env.session.String()

	ack, acked := h.HandleFrame(ctx, c, frameOf(t, EventJoin, map[string]string{"sessionId": sid}))
	require.True(t, acked)
	assert.Equal(t, Ack{"ok": true, "viewerCount": 1, "uniqueCount": 1}, ack)

	ack, _ = h.HandleFrame(ctx, c, frameOf(t, EventSend, map[string]string{"sessionId": sid, "localId": "l1", "text": "hi"}))
	res := ack.(Ack)
	require.Equal(t, true, res["ok"])
	msg := res["message"].(*models.ChatMessage)
	assert.Equal(t, "hi", msg.Text)
	assert.Equal(t, "l1", msg.LocalID)

	ack, _ = h.HandleFrame(ctx, c, frameOf(t, EventLeave, map[string]string{"sessionId": sid}))
	assert.Equal(t, Ack{"ok": true, "left": true}, ack)
	ack, _ = h.HandleFrame(ctx, c, frameOf(t, EventLeave, map[string]string{"sessionId": sid}))
	assert.Equal(t, Ack{"ok": true, "left": false}, ack)
}

func TestSocket_FailureAcks(t *testing.T) {
	env := newEnv(t, 20*time.Millisecond)
	h := NewSocketHandler(env.svc, nil)
	ctx := context.Background()
	c := socketClient(env, uuid.New(), "Ada")

	ack, _ := h.HandleFrame(ctx, c, frameOf(t, EventJoin, map[string]string{"sessionId": "nope"}))
	assert.Equal(t, Ack{"ok": false, "error": errs.CodeInvalid}, ack)

	ack, _ = h.HandleFrame(ctx, c, realtime.WSMessage{Event: EventJoin, ID: "x", Data: json.RawMessage(`{`)})
	assert.Equal(t, Ack{"ok": false, "error": errs.CodeInvalid}, ack)

	ack, _ = h.HandleFrame(ctx, c, frameOf(t, "dance", map[string]string{"sessionId": env.session.String()}))
	assert.Equal(t, Ack{"ok": false, "error": errs.CodeInvalid}, ack)

	ack, _ = h.HandleFrame(ctx, c, frameOf(t, EventDelete, map[string]string{"sessionId": env.session.String(), "messageId": "m"}))
	assert.Equal(t, Ack{"ok": false, "error": errs.CodeForbidden}, ack)
}

func TestSocket_ThrottleAckCarriesRetryAfter(t *testing.T) {
	env := newEnv(t, 20*time.Millisecond)
	env.sessions.update(env.session, func(s *models.LiveSession) { s.Chat.SlowModeSec = 5 })
	h := NewSocketHandler(env.svc, nil)
	ctx := context.Background()
	c := socketClient(env, uuid.New(), "Ada")
	body := map[string]string{"sessionId": env.session.String(), "text": "hi"}

	ack, _ := h.HandleFrame(ctx, c, frameOf(t, EventSend, body))
	require.Equal(t, true, ack.(Ack)["ok"])

	ack, _ = h.HandleFrame(ctx, c, frameOf(t, EventSend, body))
	res := ack.(Ack)
	assert.Equal(t, false, res["ok"])
	assert.Equal(t, errs.CodeSlowMode, res["error"])
	assert.Equal(t, 5, res["retryAfter"])
}

func TestSocket_TypingIsNotAcked(t *testing.T) {
	env := newEnv(t, 20*time.Millisecond)
	h := NewSocketHandler(env.svc, nil)
	ctx := context.Background()
	c := socketClient(env, uuid.New(), "Ada")
	sid := env.session.String()
	_, _ = h.HandleFrame(ctx, c, frameOf(t, EventJoin, map[string]string{"sessionId": sid}))

	_, acked := h.HandleFrame(ctx, c, frameOf(t, EventTyping, map[string]string{"sessionId": sid}))
	assert.False(t, acked)
	_, acked = h.HandleFrame(ctx, c, frameOf(t, EventTypingStop, map[string]string{"sessionId": "garbage"}))
	assert.False(t, acked)
	assert.Len(t, env.groups.events(EventTyping), 1)
}

func TestSocket_ListViewersAndDisconnect(t *testing.T) {
	env := newEnv(t, 20*time.Millisecond)
	h := NewSocketHandler(env.svc, nil)
	ctx := context.Background()
	host := socketClient(env, env.host, "Host")
	guest := socketClient(env, uuid.Nil, "")
	sid := env.session.String()
	for _, c := range []*realtime.Client{host, guest} {
		ack, _ := h.HandleFrame(ctx, c, frameOf(t, EventJoin, map[string]string{"sessionId": sid}))
		require.Equal(t, true, ack.(Ack)["ok"])
	}

	ack, _ := h.HandleFrame(ctx, guest, frameOf(t, EventListViewers, map[string]string{"sessionId": sid}))
	res := ack.(Ack)
	assert.Equal(t, 2, res["total"])
	assert.Equal(t, 2, res["unique"])
	assert.Equal(t, []Viewer{{ID: env.host, Name: "Host", IsHost: true}}, res["viewers"])

	h.Disconnected(guest)
	assert.Equal(t, 1, env.hub.AudienceCount(env.session))
}
