// rbac.go implements scope-based authorization.
//
// Scopes come from the caller's role template in the organization addressed by the
// request, resolved by OrganizationMiddleware. A changed role template therefore applies
// once the permission cache entry expires or is invalidated, without reissuing tokens.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/obcms/obcms-core/internal/auth"
)

func scopesFrom(c *gin.Context) ([]string, bool) {
	v, exists := c.Get(ScopesKey)
	if !exists {
		return nil, false
	}
	scopes, ok := v.([]string)
	return scopes, ok
}

// RequireScope checks the caller holds scope in the current organization
func RequireScope(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		userScopes, ok := scopesFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Insufficient permissions",
			})
			return
		}

		if !auth.HasScope(userScopes, scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "Missing required scope",
				"details": "Required scope: " + string(scope),
			})
			return
		}

		c.Next()
	}
}

// RequireAnyScope checks the caller holds at least one of scopes
func RequireAnyScope(scopes ...auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		userScopes, ok := scopesFrom(c)
		if !ok || !auth.HasAnyScope(userScopes, scopes) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Missing required scope",
			})
			return
		}
		c.Next()
	}
}
