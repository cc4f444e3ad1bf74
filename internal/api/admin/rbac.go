// rbac.go serves role templates, the named scope sets assigned to organization members.
// Any change to a template's scopes flushes the permission cache so members pick up the
// new scopes on their next request.
package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/obcms/obcms-core/internal/auth"
	"github.com/obcms/obcms-core/internal/db/models"
	"github.com/obcms/obcms-core/internal/db/repositories"
)

// ScopeCache is satisfied by *auth.PermissionResolver
type ScopeCache interface {
	InvalidateAll()
}

// RBACHandlers handles role template endpoints
type RBACHandlers struct {
	rbacRepo *repositories.RBACRepository
	perms    ScopeCache
}

// NewRBACHandlers creates a new RBAC handlers instance. perms may be nil.
func NewRBACHandlers(rbacRepo *repositories.RBACRepository, perms ScopeCache) *RBACHandlers {
	return &RBACHandlers{rbacRepo: rbacRepo, perms: perms}
}

// RoleTemplateRequest is the body of create and update requests. Name is ignored on update.
type RoleTemplateRequest struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name" binding:"required"`
	Description string   `json:"description"`
	Scopes      []string `json:"scopes" binding:"required"`
}

func (req *RoleTemplateRequest) apply(t *models.RoleTemplate) {
	t.DisplayName = req.DisplayName
	t.Scopes = req.Scopes
	t.Description = nil
	if req.Description != "" {
		desc := req.Description
		t.Description = &desc
	}
}

// bindTemplate decodes and validates the request body, writing a 400 on failure
func bindTemplate(c *gin.Context) (*RoleTemplateRequest, bool) {
	var req RoleTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if len(req.Scopes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one scope is required"})
		return nil, false
	}
	if err := auth.ValidateScopes(req.Scopes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return &req, true
}

// loadTemplate resolves the :id path parameter, writing 400/404/500 itself when it fails
func (h *RBACHandlers) loadTemplate(c *gin.Context) (*models.RoleTemplate, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid role template ID"})
		return nil, false
	}
	template, err := h.rbacRepo.GetRoleTemplate(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get role template"})
		return nil, false
	}
	if template == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Role template not found"})
		return nil, false
	}
	return template, true
}

func (h *RBACHandlers) flushScopes() {
	if h.perms != nil {
		h.perms.InvalidateAll()
	}
}

// ListRoleTemplates returns all role templates
// GET /api/v1/admin/role-templates
func (h *RBACHandlers) ListRoleTemplates(c *gin.Context) {
	templates, err := h.rbacRepo.ListRoleTemplates(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list role templates"})
		return
	}
	c.JSON(http.StatusOK, templates)
}

// GetRoleTemplate returns a single role template
// GET /api/v1/admin/role-templates/:id
func (h *RBACHandlers) GetRoleTemplate(c *gin.Context) {
	if template, ok := h.loadTemplate(c); ok {
		c.JSON(http.StatusOK, template)
	}
}

// CreateRoleTemplate creates a custom role template
// POST /api/v1/admin/role-templates
func (h *RBACHandlers) CreateRoleTemplate(c *gin.Context) {
	req, ok := bindTemplate(c)
	if !ok {
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	ctx := c.Request.Context()
	existing, err := h.rbacRepo.GetRoleTemplateByName(ctx, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check existing template"})
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Role template with this name already exists"})
		return
	}

	template := &models.RoleTemplate{Name: req.Name}
	req.apply(template)
	if err := h.rbacRepo.CreateRoleTemplate(ctx, template); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create role template"})
		return
	}
	c.JSON(http.StatusCreated, template)
}

// UpdateRoleTemplate replaces the scopes and labels of a custom role template
// PUT /api/v1/admin/role-templates/:id
func (h *RBACHandlers) UpdateRoleTemplate(c *gin.Context) {
	template, ok := h.loadTemplate(c)
	if !ok {
		return
	}
	if template.IsSystem {
		c.JSON(http.StatusForbidden, gin.H{"error": "Cannot modify system role templates"})
		return
	}
	req, ok := bindTemplate(c)
	if !ok {
		return
	}

	req.apply(template)
	if err := h.rbacRepo.UpdateRoleTemplate(c.Request.Context(), template); err != nil {
		if errors.Is(err, repositories.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Role template not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update role template"})
		return
	}
	h.flushScopes()
	c.JSON(http.StatusOK, template)
}

// DeleteRoleTemplate deletes a custom role template. Members holding it lose its scopes
// on their next request.
// DELETE /api/v1/admin/role-templates/:id
func (h *RBACHandlers) DeleteRoleTemplate(c *gin.Context) {
	template, ok := h.loadTemplate(c)
	if !ok {
		return
	}
	if template.IsSystem {
		c.JSON(http.StatusForbidden, gin.H{"error": "Cannot delete system role templates"})
		return
	}

	if err := h.rbacRepo.DeleteRoleTemplate(c.Request.Context(), template.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete role template"})
		return
	}
	h.flushScopes()
	c.JSON(http.StatusOK, gin.H{"message": "Role template deleted"})
}
