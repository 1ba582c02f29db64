package sessions

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/errs"
	"github.com/aura-live/backend/pkg/response"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

const maxWebhookBody = 64 << 10

// Ingestion event names.
const (
	IngestStart = "start"
	IngestEnd   = "end"
)

// IngestPayload is the body the ingestion service posts when a recording starts or ends.
type IngestPayload struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
}

// WebhookHandler handles callbacks from the video ingestion service.
type WebhookHandler struct {
	lifecycle *Lifecycle
	secret    []byte
	logger    *zap.Logger
}

// NewWebhookHandler creates a webhook handler. An empty secret disables signature checks.
func NewWebhookHandler(lifecycle *Lifecycle, secret string, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{lifecycle: lifecycle, secret: []byte(secret), logger: logger}
}

// Ingest handles POST /webhooks/ingest.
func (h *WebhookHandler) Ingest(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}
	if !h.validSignature(c.GetHeader(SignatureHeader), raw) {
		response.Unauthorized(c, "invalid signature")
		return
	}
	var body IngestPayload
	if err := json.Unmarshal(raw, &body); err != nil || body.Channel == "" {
		response.BadRequest(c, "channel and event required")
		return
	}

	ctx := c.Request.Context()
	sess, err := h.lifecycle.ByChannel(ctx, body.Channel)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			response.NotFound(c, "unknown channel")
			return
		}
		h.logger.Error("webhook session lookup failed", zap.String("channel", body.Channel), zap.Error(err))
		response.Internal(c, "lookup failed")
		return
	}

	switch strings.ToLower(body.Event) {
	case IngestStart:
		sess, err = h.lifecycle.Start(ctx, sess.ID, time.Now().UTC())
	case IngestEnd:
		sess, err = h.lifecycle.Stop(ctx, sess.ID)
	default:
		response.BadRequest(c, "unknown event")
		return
	}
	if err != nil {
		h.logger.Error("webhook transition failed", zap.String("channel", body.Channel), zap.String("event", body.Event), zap.Error(err))
		response.Error(c, err)
		return
	}
	h.logger.Info("ingest webhook processed", zap.String("session_id", sess.ID.String()), zap.String("event", body.Event))
	c.JSON(http.StatusOK, gin.H{"success": true, "session_id": sess.ID, "status": sess.Status})
}

func (h *WebhookHandler) validSignature(got string, body []byte) bool {
	if len(h.secret) == 0 {
		return true
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(got, "sha256="))
	if err != nil || len(sig) == 0 {
		return false
	}
	return hmac.Equal(sig, Sign(h.secret, body))
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
