// organization.go resolves the tenant a request addresses and runs the remainder of the
// handler chain inside that tenant's scope.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/obcms/obcms-core/internal/auth"
	"github.com/obcms/obcms-core/internal/db/models"
	"github.com/obcms/obcms-core/internal/tenancy"
)

// OrganizationResolver is satisfied by *tenancy.Resolver
type OrganizationResolver interface {
	Resolve(ctx context.Context, ref string) (*models.Organization, error)
}

// MembershipScopes is satisfied by *auth.PermissionResolver
type MembershipScopes interface {
	Scopes(ctx context.Context, orgID, userID string) ([]string, error)
}

// OrganizationMiddleware reads the organization code from the :org path parameter, or
// from header when the route has none, and resolves it. The caller must be a member; the
// scopes granted by the membership are stored under ScopesKey.
//
// The remaining handlers run with the organization set on a fresh tenancy slot attached to
// the request context. The slot is cleared when the chain returns, including on panic.
//
// Responses: 400 when no organization is named, 404 for unknown or deactivated
// organizations, 403 when the caller is not a member.
func OrganizationMiddleware(resolver OrganizationResolver, perms MembershipScopes, header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ref := c.Param("org")
		if ref == "" && header != "" {
			ref = c.GetHeader(header)
		}
		if ref == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "Organization not specified",
			})
			return
		}

		ctx := c.Request.Context()
		org, err := resolver.Resolve(ctx, ref)
		if errors.Is(err, tenancy.ErrUnknownOrganization) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error": "Organization not found",
			})
			return
		}
		if err != nil {
			slog.Error("failed to resolve organization", "org", ref, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to resolve organization",
			})
			return
		}

		userID := CurrentUserID(c)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "User not authenticated",
			})
			return
		}

		scopes, err := perms.Scopes(ctx, org.ID, userID)
		if errors.Is(err, auth.ErrNotMember) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Not a member of organization",
			})
			return
		}
		if err != nil {
			slog.Error("failed to resolve membership", "org", org.Code, "user", userID, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to check organization membership",
			})
			return
		}

		c.Set(OrganizationKey, org)
		c.Set(ScopesKey, scopes)

		original := c.Request
		defer func() { c.Request = original }()

		_ = tenancy.Run(ctx, tenancy.NewSlot(), org, func(ctx context.Context) error {
			c.Request = original.WithContext(ctx)
			c.Next()
			return nil
		})
	}
}

// CurrentOrganization returns the organization resolved for the request, or nil
func CurrentOrganization(c *gin.Context) *models.Organization {
	v, ok := c.Get(OrganizationKey)
	if !ok {
		return nil
	}
	org, _ := v.(*models.Organization)
	return org
}

// RequireAggregator lets the request through only when the resolved organization is an
// active aggregator. Cross-tenant administration is reserved to those organizations.
func RequireAggregator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !CurrentOrganization(c).SeesAllTenants() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Operation requires an aggregator organization",
			})
			return
		}
		c.Next()
	}
}
