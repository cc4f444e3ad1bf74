// Package middleware provides the Gin middleware chain of the OBCMS API.
//
// Ordering is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Logger → Security/CORS → RateLimit → Auth → Organization → RBAC → Audit → Handler
//
// Auth establishes who is calling from the bearer token. Organization resolves the tenant
// named by the route, checks membership and runs the rest of the chain inside that tenant's
// scope. RBAC then reads the scopes the membership grants.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/obcms/obcms-core/internal/audit"
	"github.com/obcms/obcms-core/internal/auth"
)

// gin.Context keys set by this package
const (
	UserIDKey       = "user_id"
	UserEmailKey    = "user_email"
	OrganizationKey = "organization"
	ScopesKey       = "scopes"
)

// AuthMiddleware validates the bearer JWT and records the caller's identity. Tokens carry
// identity only; scopes are resolved per organization by OrganizationMiddleware.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header must start with 'Bearer '",
			})
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is empty",
			})
			return
		}

		claims, err := auth.ValidateJWT(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		c.Set(UserIDKey, claims.UserID())
		c.Set(UserEmailKey, claims.Email)
		// Audit entries written below the HTTP layer (e.g. aggregator widening) read the
		// actor from the request context.
		c.Request = c.Request.WithContext(audit.WithActor(c.Request.Context(), claims.UserID()))

		c.Next()
	}
}

// CurrentUserID returns the authenticated user, or ""
func CurrentUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}
