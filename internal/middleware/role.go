package middleware

import (
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/twotruths/mediacore/internal/auth"
	"github.com/twotruths/mediacore/pkg/response"
)

// CodeRoleRequired marks a 403 caused by a token without the route's role.
const CodeRoleRequired = "ROLE_REQUIRED"

// RequireRole admits tokens carrying one of roles. It runs after JWT, which sets
// ContextUserRole.
func RequireRole(roles ...auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(ContextUserRole)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if role, _ := v.(auth.Role); !slices.Contains(roles, role) {
			response.Forbidden(c, CodeRoleRequired, "insufficient role")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin guards the operational endpoints.
func RequireAdmin() gin.HandlerFunc { return RequireRole(auth.RoleAdmin) }
