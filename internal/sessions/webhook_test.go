package sessions

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/internal/models"
)

func postIngest(t *testing.T, h *WebhookHandler, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/ingest", h.Ingest)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/ingest", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhook_StartThenEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.lifecycle.Create(ctx, f.host, CreateInput{Title: "launch", ChannelRef: "chan-1", ChatEnabled: true})
	require.NoError(t, err)
	h := NewWebhookHandler(f.lifecycle, "", nil)

	w := postIngest(t, h, `{"channel":"chan-1","event":"start"}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got, err := f.records.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.IsLive())

	w = postIngest(t, h, `{"channel":"chan-1","event":"end"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	got, err = f.records.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusEnded, got.Status)
	assert.Len(t, f.groups.groupEvents(EventSessionEnded), 1)

	// The provider retries the end callback; nothing is finalized twice.
	w = postIngest(t, h, `{"channel":"chan-1","event":"END"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.records.finalizes)
}

func TestWebhook_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	f.liveSession(time.Minute)
	h := NewWebhookHandler(f.lifecycle, "", nil)

	assert.Equal(t, http.StatusBadRequest, postIngest(t, h, `{"event":"end"}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, postIngest(t, h, `not json`, "").Code)
	assert.Equal(t, http.StatusNotFound, postIngest(t, h, `{"channel":"nope","event":"end"}`, "").Code)
}

func TestWebhook_UnknownEvent(t *testing.T) {
	f := newFixture(t)
	s := f.liveSession(time.Minute)
	h := NewWebhookHandler(f.lifecycle, "", nil)

	w := postIngest(t, h, `{"channel":"`+s.ChannelRef+`","event":"pause"}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_Signature(t *testing.T) {
	f := newFixture(t)
	s := f.liveSession(time.Minute)
	secret := "shh"
	h := NewWebhookHandler(f.lifecycle, secret, nil)
	body := `{"channel":"` + s.ChannelRef + `","event":"end"}`
	sig := hex.EncodeToString(Sign([]byte(secret), []byte(body)))

	assert.Equal(t, http.StatusUnauthorized, postIngest(t, h, body, "").Code)
	assert.Equal(t, http.StatusUnauthorized, postIngest(t, h, body, "sha256=00ff").Code)
	assert.Equal(t, http.StatusUnauthorized, postIngest(t, h, body, "zz").Code)
	assert.Equal(t, 0, f.records.finalizes)

	assert.Equal(t, http.StatusOK, postIngest(t, h, body, "sha256="+sig).Code)
	assert.Equal(t, 1, f.records.finalizes)
}
