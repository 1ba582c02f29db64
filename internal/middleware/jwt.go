package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-live/backend/internal/auth"
	"github.com/aura-live/backend/pkg/response"
)

const (
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = "user_id"
	// ContextUserRole is the key for user role in gin context.
	ContextUserRole = "user_role"
)

// JWT returns a middleware that validates JWT and sets user claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		token, ok := bearer(header)
		if !ok {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		setClaims(c, claims)
		c.Next()
	}
}

func bearer(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func setClaims(c *gin.Context, claims *auth.Claims) {
	c.Set(auth.ContextClaims, claims)
	c.Set(ContextUserID, claims.UserID)
	c.Set(ContextUserRole, claims.Role)
}
