package orgs

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/obcms/obcms-core/internal/api/apierr"
	"github.com/obcms/obcms-core/internal/db/models"
	"github.com/obcms/obcms-core/internal/services"
)

// RecordHandlers serves community profiles, assessments and the dashboard
type RecordHandlers struct {
	records   *services.RecordService
	dashboard *services.DashboardService
}

// NewRecordHandlers creates the record handlers
func NewRecordHandlers(records *services.RecordService, dashboard *services.DashboardService) *RecordHandlers {
	return &RecordHandlers{records: records, dashboard: dashboard}
}

func pageFrom(c *gin.Context) services.Page {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return services.Page{Limit: limit, Offset: offset}
}

// ListCommunities lists community profiles
// GET /api/v1/orgs/:org/communities?province=...&limit=50&offset=0
func (h *RecordHandlers) ListCommunities(c *gin.Context) {
	out, err := h.records.ListCommunities(c.Request.Context(), c.Query("province"), pageFrom(c))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"communities": out})
}

// CreateCommunityRequest is the body of CreateCommunity
type CreateCommunityRequest struct {
	Name         string  `json:"name" binding:"required"`
	Province     string  `json:"province"`
	Municipality string  `json:"municipality"`
	Population   int     `json:"population"`
	Notes        *string `json:"notes"`
}

// CreateCommunity records a community profile
// POST /api/v1/orgs/:org/communities
func (h *RecordHandlers) CreateCommunity(c *gin.Context) {
	var req CreateCommunityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	community := &models.Community{
		Name:         req.Name,
		Province:     req.Province,
		Municipality: req.Municipality,
		Population:   req.Population,
		Notes:        req.Notes,
	}
	if err := h.records.CreateCommunity(c.Request.Context(), community); err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, community)
}

// ListAssessments lists assessments, newest first
// GET /api/v1/orgs/:org/assessments?status=planned
func (h *RecordHandlers) ListAssessments(c *gin.Context) {
	out, err := h.records.ListAssessments(c.Request.Context(), c.Query("status"), pageFrom(c))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessments": out})
}

// CreateAssessmentRequest is the body of CreateAssessment
type CreateAssessmentRequest struct {
	Title       string  `json:"title" binding:"required"`
	CommunityID *string `json:"community_id"`
	Status      string  `json:"status"`
	StartsAt    string  `json:"starts_at" binding:"required"`
	EndsAt      string  `json:"ends_at" binding:"required"`
}

// CreateAssessment records an assessment
// POST /api/v1/orgs/:org/assessments
func (h *RecordHandlers) CreateAssessment(c *gin.Context) {
	var req CreateAssessmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, okStart := parseBound(req.StartsAt, false)
	end, okEnd := parseBound(req.EndsAt, true)
	if !okStart || !okEnd {
		c.JSON(http.StatusBadRequest, gin.H{"error": "starts_at and ends_at must be dates or RFC 3339 timestamps"})
		return
	}

	a := &models.Assessment{
		Title:       req.Title,
		CommunityID: req.CommunityID,
		Status:      req.Status,
		StartsAt:    start,
		EndsAt:      end,
	}
	if err := h.records.CreateAssessment(c.Request.Context(), a); err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// Dashboard returns the dashboard counters
// GET /api/v1/orgs/:org/dashboard
func (h *RecordHandlers) Dashboard(c *gin.Context) {
	stats, err := h.dashboard.Stats(c.Request.Context())
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
