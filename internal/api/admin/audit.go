package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/obcms/obcms-core/internal/db/repositories"
)

// AuditHandlers serves the audit trail
type AuditHandlers struct {
	auditRepo *repositories.AuditRepository
}

// NewAuditHandlers creates the audit handlers
func NewAuditHandlers(auditRepo *repositories.AuditRepository) *AuditHandlers {
	return &AuditHandlers{auditRepo: auditRepo}
}

func optionalQuery(c *gin.Context, name string) *string {
	if v := c.Query(name); v != "" {
		return &v
	}
	return nil
}

func optionalTime(c *gin.Context, name string) (*time.Time, bool) {
	v := c.Query(name)
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, false
	}
	return &t, true
}

// @Summary      List audit logs
// @Description  Audit entries newest first, filtered by actor, organization, action, resource type and time.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        user_id          query  string  false  "Actor"
// @Param        organization_id  query  string  false  "Organization"
// @Param        action           query  string  false  "Action, e.g. organization.capabilities_changed"
// @Param        resource_type    query  string  false  "Resource type"
// @Param        start_date       query  string  false  "RFC 3339 lower bound"
// @Param        end_date         query  string  false  "RFC 3339 upper bound"
// @Success      200  {object}  map[string]interface{}  "logs, pagination"
// @Router       /api/v1/admin/audit-logs [get]
// ListAuditLogs lists audit log entries
// GET /api/v1/admin/audit-logs
func (h *AuditHandlers) ListAuditLogs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}

	start, okStart := optionalTime(c, "start_date")
	end, okEnd := optionalTime(c, "end_date")
	if !okStart || !okEnd {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_date and end_date must be RFC 3339 timestamps"})
		return
	}

	filters := repositories.AuditFilters{
		UserID:         optionalQuery(c, "user_id"),
		OrganizationID: optionalQuery(c, "organization_id"),
		Action:         optionalQuery(c, "action"),
		ResourceType:   optionalQuery(c, "resource_type"),
		StartDate:      start,
		EndDate:        end,
	}
	logs, total, err := h.auditRepo.ListAuditLogs(c.Request.Context(), filters, perPage, (page-1)*perPage)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list audit logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs": logs,
		"pagination": gin.H{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// GetAuditLog returns one audit log entry
// GET /api/v1/admin/audit-logs/:id
func (h *AuditHandlers) GetAuditLog(c *gin.Context) {
	log, err := h.auditRepo.GetAuditLog(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get audit log"})
		return
	}
	if log == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Audit log not found"})
		return
	}
	c.JSON(http.StatusOK, log)
}
