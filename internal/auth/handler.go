package auth

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/errs"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/response"
)

// ContextClaims is the gin context key holding the verified *Claims.
const ContextClaims = "claims"

// ClaimsFrom returns the claims set by the JWT middleware, if any.
func ClaimsFrom(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(ContextClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok && claims != nil
}

// ProfileReader loads a stored profile.
type ProfileReader interface {
	GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error)
}

// MeResponse is the body of GET /auth/me.
type MeResponse struct {
	Profile models.Profile `json:"profile"`
	Role    string         `json:"role"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	repo   ProfileReader
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(repo ProfileReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, logger: logger}
}

// Me handles GET /auth/me. A user without a stored profile gets the one carried in the token.
func (h *Handler) Me(c *gin.Context) {
	claims, ok := ClaimsFrom(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	profile := models.Profile{ID: claims.UserID, Name: claims.Name, AvatarURL: claims.AvatarURL}
	stored, err := h.repo.GetProfile(c.Request.Context(), claims.UserID)
	switch {
	case err == nil:
		profile = *stored
	case errors.Is(err, errs.ErrNotFound):
	default:
		h.logger.Error("get profile failed", zap.Error(err), zap.String("user_id", claims.UserID.String()))
		response.Internal(c, "failed to load profile")
		return
	}
	response.OK(c, MeResponse{Profile: profile, Role: claims.Role})
}
