package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/watchparty/backend/internal/auth"
	"github.com/watchparty/backend/internal/models"
	"github.com/watchparty/backend/pkg/response"
)

// ContextIdentity is the gin context key holding the caller's models.Identity.
const ContextIdentity = "identity"

// ProfileRecorder remembers identities seen on requests so chat authors can be
// labelled later.
type ProfileRecorder interface {
	Remember(ctx context.Context, id models.Identity)
}

// Identity resolves an optional bearer token. Anonymous requests pass through
// with no identity; a present but invalid token is rejected.
func Identity(jwtService *auth.JWTService, profiles ProfileRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		id := claims.Identity()
		if profiles != nil {
			profiles.Remember(c.Request.Context(), id)
		}
		c.Set(ContextIdentity, id)
		c.Next()
	}
}

// RequireIdentity aborts anonymous requests. Use after Identity.
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := IdentityFrom(c); !ok {
			response.Unauthorized(c, "authentication required")
			c.Abort()
			return
		}
		c.Next()
	}
}

// IdentityFrom returns the caller's identity, if any.
func IdentityFrom(c *gin.Context) (models.Identity, bool) {
	v, ok := c.Get(ContextIdentity)
	if !ok {
		return models.Identity{}, false
	}
	id, ok := v.(models.Identity)
	return id, ok
}
