// organizations.go implements the cross-tenant administration endpoints: organization
// lifecycle, capability flags, membership and record transfers.
package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/obcms/obcms-core/internal/api/apierr"
	"github.com/obcms/obcms-core/internal/services"
)

// OrganizationHandlers handles organization management endpoints
type OrganizationHandlers struct {
	svc *services.OrganizationService
}

// NewOrganizationHandlers creates a new OrganizationHandlers instance
func NewOrganizationHandlers(svc *services.OrganizationService) *OrganizationHandlers {
	return &OrganizationHandlers{svc: svc}
}

// @Summary      List organizations
// @Description  Paginated list of organizations. Inactive organizations are included with include_inactive=true.
// @Tags         Organizations
// @Security     Bearer
// @Produce      json
// @Param        page              query  int   false  "Page number (default 1)"
// @Param        per_page          query  int   false  "Items per page, max 100 (default 20)"
// @Param        include_inactive  query  bool  false  "Include deactivated organizations"
// @Success      200  {object}  map[string]interface{}  "organizations: []models.Organization, pagination: {page, per_page}"
// @Failure      403  {object}  map[string]interface{}  "Forbidden"
// @Router       /api/v1/admin/organizations [get]
// ListOrganizationsHandler lists organizations with pagination
// GET /api/v1/admin/organizations?page=1&per_page=20
func (h *OrganizationHandlers) ListOrganizationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
		if page < 1 {
			page = 1
		}
		if perPage < 1 || perPage > 100 {
			perPage = 20
		}
		includeInactive := c.Query("include_inactive") == "true"

		orgs, err := h.svc.List(c.Request.Context(), includeInactive, services.Page{
			Limit:  perPage,
			Offset: (page - 1) * perPage,
		})
		if err != nil {
			apierr.Write(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"organizations": orgs,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
			},
		})
	}
}

// GetOrganizationHandler retrieves an organization by ID
// GET /api/v1/admin/organizations/:id
func (h *OrganizationHandlers) GetOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, err := h.svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, org)
	}
}

// @Summary      Create organization
// @Description  Register a new organization. Codes are upper case, 2 to 16 characters.
// @Tags         Organizations
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  services.CreateOrganizationInput  true  "Organization"
// @Success      201  {object}  models.Organization
// @Failure      400  {object}  map[string]interface{}  "Invalid request or duplicate code"
// @Failure      409  {object}  map[string]interface{}  "Aggregator limit reached"
// @Router       /api/v1/admin/organizations [post]
// CreateOrganizationHandler creates an organization
// POST /api/v1/admin/organizations
func (h *OrganizationHandlers) CreateOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.CreateOrganizationInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		org, err := h.svc.Create(c.Request.Context(), in)
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusCreated, org)
	}
}

// UpdateCapabilitiesRequest replaces the enabled feature areas of an organization
type UpdateCapabilitiesRequest struct {
	Capabilities []string `json:"capabilities"`
}

// @Summary      Set organization capabilities
// @Description  Replace the enabled feature areas. The organization's cached views are invalidated.
// @Tags         Organizations
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string                     true  "Organization ID"
// @Param        body  body  UpdateCapabilitiesRequest  true  "Capabilities"
// @Success      200  {object}  models.Organization
// @Router       /api/v1/admin/organizations/{id}/capabilities [put]
// UpdateCapabilitiesHandler replaces the capability set of an organization
// PUT /api/v1/admin/organizations/:id/capabilities
func (h *OrganizationHandlers) UpdateCapabilitiesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateCapabilitiesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		org, err := h.svc.SetCapabilities(c.Request.Context(), c.Param("id"), req.Capabilities)
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, org)
	}
}

// flagRequest carries a single boolean flag. A pointer distinguishes false from missing.
type flagRequest struct {
	Value *bool `json:"value" binding:"required"`
}

// SetActiveHandler activates or deactivates an organization
// PUT /api/v1/admin/organizations/:id/active {"value": false}
func (h *OrganizationHandlers) SetActiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req flagRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "value is required"})
			return
		}
		org, err := h.svc.SetActive(c.Request.Context(), c.Param("id"), *req.Value)
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, org)
	}
}

// SetAggregatorHandler grants or revokes cross-tenant read access
// PUT /api/v1/admin/organizations/:id/aggregator {"value": true}
func (h *OrganizationHandlers) SetAggregatorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req flagRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "value is required"})
			return
		}
		org, err := h.svc.SetAggregator(c.Request.Context(), c.Param("id"), *req.Value)
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, org)
	}
}

// ListMembersHandler lists the members of an organization with their role templates
// GET /api/v1/admin/organizations/:id/members
func (h *OrganizationHandlers) ListMembersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		members, err := h.svc.ListMembers(c.Request.Context(), c.Param("id"))
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"members": members})
	}
}

// AddMemberRequest represents the request to add a member to an organization
type AddMemberRequest struct {
	UserID         string  `json:"user_id" binding:"required"`
	RoleTemplateID *string `json:"role_template_id"`
}

// @Summary      Add organization member
// @Tags         Organizations
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string            true  "Organization ID"
// @Param        body  body  AddMemberRequest  true  "Member"
// @Success      201  {object}  models.OrganizationMember
// @Failure      400  {object}  map[string]interface{}  "Invalid request or already a member"
// @Failure      404  {object}  map[string]interface{}  "Organization not found"
// @Router       /api/v1/admin/organizations/{id}/members [post]
// AddMemberHandler adds a user to an organization
// POST /api/v1/admin/organizations/:id/members
func (h *OrganizationHandlers) AddMemberHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AddMemberRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		member, err := h.svc.AddMember(c.Request.Context(), c.Param("id"), req.UserID, req.RoleTemplateID)
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusCreated, member)
	}
}

// UpdateMemberRequest changes the role template of a member
type UpdateMemberRequest struct {
	RoleTemplateID *string `json:"role_template_id"`
}

// UpdateMemberHandler changes a member's role template
// PUT /api/v1/admin/organizations/:id/members/:user_id
func (h *OrganizationHandlers) UpdateMemberHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateMemberRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := h.svc.UpdateMemberRole(c.Request.Context(), c.Param("id"), c.Param("user_id"), req.RoleTemplateID); err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Member updated"})
	}
}

// RemoveMemberHandler removes a user from an organization
// DELETE /api/v1/admin/organizations/:id/members/:user_id
func (h *OrganizationHandlers) RemoveMemberHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.svc.RemoveMember(c.Request.Context(), c.Param("id"), c.Param("user_id")); err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Member removed"})
	}
}

// TransferRequest moves one tenant-owned record to another organization
type TransferRequest struct {
	Record         string `json:"record" binding:"required"` // community, assessment, coordination_event
	ID             string `json:"id" binding:"required"`
	ToOrganization string `json:"to_organization_id" binding:"required"`
}

// @Summary      Transfer record
// @Description  Reassign a record to another active organization. Cached views of both organizations are invalidated.
// @Tags         Organizations
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  TransferRequest  true  "Transfer"
// @Success      200  {object}  map[string]interface{}  "message"
// @Failure      400  {object}  map[string]interface{}  "Unknown record type or inactive target"
// @Failure      404  {object}  map[string]interface{}  "Record not found"
// @Router       /api/v1/admin/transfers [post]
// TransferHandler reassigns a record to another organization
// POST /api/v1/admin/transfers
func (h *OrganizationHandlers) TransferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TransferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := h.svc.TransferRecord(c.Request.Context(), req.Record, req.ID, req.ToOrganization); err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Record transferred"})
	}
}
