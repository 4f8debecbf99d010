package middleware

import (
	"net/http"
	"strings"

	"github.com/eeveon/eeveon/internal/config"
	"github.com/eeveon/eeveon/internal/deploy/model"
	"github.com/gin-gonic/gin"
)

const (
	// ContextUser holds the authenticated user name.
	ContextUser = "auth.user"
	// ContextRole holds the authenticated model.Role.
	ContextRole = "auth.role"
)

// Authentication resolves the bearer token against the configured token map
// and stores user and role on the context. Unknown tokens are rejected.
func Authentication(auth *config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": "UNAUTHORIZED", "message": "missing bearer token"}})
			return
		}
		info, ok := auth.Tokens[token]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": "UNAUTHORIZED", "message": "unknown token"}})
			return
		}
		c.Set(ContextUser, info.User)
		c.Set(ContextRole, model.Role(info.Role))
		c.Next()
	}
}

// RequireRole rejects requests below the given role.
func RequireRole(required model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !RoleFrom(c).Allows(required) {
			c.AbortWithStatusJSON(http.StatusForbidden, map[string]any{"error": map[string]any{"code": "FORBIDDEN", "message": "insufficient role"}})
			return
		}
		c.Next()
	}
}

// UserFrom returns the authenticated user name, empty when unauthenticated.
func UserFrom(c *gin.Context) string {
	if v, ok := c.Get(ContextUser); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// RoleFrom returns the authenticated role, empty when unauthenticated.
func RoleFrom(c *gin.Context) model.Role {
	if v, ok := c.Get(ContextRole); ok {
		if r, ok := v.(model.Role); ok {
			return r
		}
	}
	return ""
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
