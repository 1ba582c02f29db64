package sessions

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/errs"
	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/response"
)

// CreateRequest is the body for POST /live.
type CreateRequest struct {
	Title       string          `json:"title" binding:"required"`
	ChannelRef  string          `json:"channel_ref"`
	ChatEnabled *bool           `json:"chat_enabled"`
	ChatMode    models.ChatMode `json:"chat_mode"`
	SlowModeSec int             `json:"slow_mode_sec"`
}

// ChatSettingsRequest is the body for PUT /live/:id/chat/settings. Omitted fields are kept.
type ChatSettingsRequest struct {
	Enabled     *bool            `json:"enabled"`
	Mode        *models.ChatMode `json:"mode"`
	SlowModeSec *int             `json:"slow_mode_sec"`
}

// ModerationRequest is the body for POST /live/:id/chat/moderation.
type ModerationRequest struct {
	Action string `json:"action" binding:"required,oneof=block unblock mute unmute"`
	UserID string `json:"user_id" binding:"required,uuid"`
}

// Handler handles live session HTTP endpoints.
type Handler struct {
	lifecycle *Lifecycle
	logger    *zap.Logger
}

// NewHandler creates a live session handler.
func NewHandler(lifecycle *Lifecycle, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{lifecycle: lifecycle, logger: logger}
}

// Create handles POST /live (host or admin).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	chatEnabled := true
	if req.ChatEnabled != nil {
		chatEnabled = *req.ChatEnabled
	}
	s, err := h.lifecycle.Create(c.Request.Context(), userID, CreateInput{
		Title:       req.Title,
		ChannelRef:  req.ChannelRef,
		ChatEnabled: chatEnabled,
		ChatMode:    req.ChatMode,
		SlowModeSec: req.SlowModeSec,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	// The stream key is only ever returned here, to the host.
	response.Created(c, gin.H{"session": s.Public(), "channel_ref": s.ChannelRef, "stream_key": s.StreamKey})
}

// ListLive handles GET /live.
func (h *Handler) ListLive(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.lifecycle.ListLive(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]models.PublicSession, 0, len(list))
	for i := range list {
		out = append(out, list[i].Public())
	}
	response.OK(c, out)
}

// Get handles GET /live/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	s, err := h.lifecycle.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, s.Public())
}

// Start handles POST /live/:id/start. Host only.
func (h *Handler) Start(c *gin.Context) {
	id, ok := h.hostOnly(c)
	if !ok {
		return
	}
	s, err := h.lifecycle.Start(c.Request.Context(), id, time.Now().UTC())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, s.Public())
}

// Stop handles POST /live/:id/stop. Host only.
func (h *Handler) Stop(c *gin.Context) {
	id, ok := h.hostOnly(c)
	if !ok {
		return
	}
	s, err := h.lifecycle.Stop(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, s.Public())
}

// UpdateChatSettings handles PUT /live/:id/chat/settings. Host only.
func (h *Handler) UpdateChatSettings(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req ChatSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	s, err := h.lifecycle.UpdateChat(c.Request.Context(), id, userID, ChatSettings{
		Enabled:     req.Enabled,
		Mode:        req.Mode,
		SlowModeSec: req.SlowModeSec,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, s.Public())
}

// Moderate handles POST /live/:id/chat/moderation. Host only.
func (h *Handler) Moderate(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req ModerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	target, _ := uuid.Parse(req.UserID)
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if err := h.lifecycle.Moderate(c.Request.Context(), id, userID, req.Action, target); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"action": req.Action, "user_id": target})
}

func (h *Handler) hostOnly(c *gin.Context) (uuid.UUID, bool) {
	id, ok := idParam(c)
	if !ok {
		return uuid.Nil, false
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if _, err := h.lifecycle.HostSession(c.Request.Context(), id, userID); err != nil {
		h.fail(c, err)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errs.Code(err) == errs.CodeInternal {
		h.logger.Error("session request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	response.Error(c, err)
}

func idParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}
