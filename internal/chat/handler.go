package chat

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/auth"
	"github.com/aura-live/backend/internal/errs"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/response"
)

// Presigner issues time-limited download URLs for archived transcripts.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// SendBody is the body for POST /live/:id/chat.
type SendBody struct {
	Text    string             `json:"text"`
	Type    models.MessageType `json:"type"`
	LocalID string             `json:"localId"`
}

// Handler serves chat over HTTP.
type Handler struct {
	svc        *Service
	archive    Presigner
	archiveTTL time.Duration
	logger     *zap.Logger
}

// NewHandler creates a chat HTTP handler. archive may be nil when no archive bucket is set.
func NewHandler(svc *Service, archive Presigner, archiveTTL time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if archiveTTL <= 0 {
		archiveTTL = 15 * time.Minute
	}
	return &Handler{svc: svc, archive: archive, archiveTTL: archiveTTL, logger: logger}
}

// Send handles POST /live/:id/chat. Requires JWT.
func (h *Handler) Send(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	var body SendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	actor := Actor{UserID: claims.UserID, Name: claims.Name, AvatarURL: claims.AvatarURL}
	msg, err := h.svc.Send(c.Request.Context(), actor, sessionID, SendRequest{LocalID: body.LocalID, Text: body.Text, Type: body.Type})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, gin.H{"message": msg})
}

// Tail handles GET /live/:id/chat?after=&limit=. after is RFC 3339 or unix milliseconds.
func (h *Handler) Tail(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	after, err := parseAfter(c.Query("after"))
	if err != nil {
		response.BadRequest(c, "invalid after")
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
	}
	items, err := h.svc.Tail(c.Request.Context(), sessionID, after, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"items": items})
}

// Replay handles GET /live/:id/chat/replay?from=&to= (seconds since start, inclusive).
func (h *Handler) Replay(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	from, errFrom := strconv.Atoi(c.Query("from"))
	to, errTo := strconv.Atoi(c.Query("to"))
	if errFrom != nil || errTo != nil {
		response.BadRequest(c, "from and to must be integers")
		return
	}
	items, err := h.svc.Replay(c.Request.Context(), sessionID, from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"items": items})
}

// Archive handles GET /live/:id/chat/archive, returning a presigned transcript URL.
func (h *Handler) Archive(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	if h.archive == nil {
		response.NotFound(c, "chat archive is not configured")
		return
	}
	key, err := h.svc.ArchiveKey(c.Request.Context(), sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	url, err := h.archive.PresignGet(c.Request.Context(), key, h.archiveTTL)
	if err != nil {
		h.logger.Error("presign archive failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to presign archive")
		return
	}
	response.OK(c, gin.H{"url": url, "expiresIn": int(h.archiveTTL.Seconds())})
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errs.Code(err) == errs.CodeInternal {
		h.logger.Error("chat request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	response.Error(c, err)
}

func sessionParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

func parseAfter(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse after: %w", err)
	}
	return t, nil
}
