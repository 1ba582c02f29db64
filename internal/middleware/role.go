package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/response"
)

// RequireRole allows only callers whose token role is one of roles. It must run after JWT.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	allowed := make(map[models.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		role, ok := c.Get(ContextUserRole)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if s, _ := role.(string); !allowed[models.Role(s)] {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}
