// Package orgs implements the tenant-scoped API under /api/v1/orgs/:org. The organization
// middleware has already resolved the organization and set it on the request context, so
// handlers never take an organization argument.
package orgs

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/obcms/obcms-core/internal/api/apierr"
	"github.com/obcms/obcms-core/internal/services"
)

// CalendarHandlers serves the coordination calendar
type CalendarHandlers struct {
	svc *services.CalendarService
}

// NewCalendarHandlers creates the calendar handlers
func NewCalendarHandlers(svc *services.CalendarService) *CalendarHandlers {
	return &CalendarHandlers{svc: svc}
}

// parseBound accepts RFC 3339 timestamps or plain dates. A plain end date covers the
// whole day.
func parseBound(raw string, end bool) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, false
	}
	if end {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, true
}

// listParam reads a filter given either repeated (?type=a&type=b) or comma separated
func listParam(c *gin.Context, name string) []string {
	var out []string
	for _, v := range c.QueryArray(name) {
		out = append(out, strings.Split(v, ",")...)
	}
	return out
}

// @Summary      Calendar feed
// @Description  Coordination events (and assessments when enabled) overlapping [start, end].
// @Tags         Calendar
// @Security     Bearer
// @Produce      json
// @Param        org     path   string  true   "Organization code"
// @Param        start   query  string  true   "Start date or RFC 3339 timestamp"
// @Param        end     query  string  true   "End date or RFC 3339 timestamp"
// @Param        type    query  string  false  "meeting, workshop, activity, assessment (comma separated)"
// @Param        status  query  string  false  "planned, ongoing, completed, cancelled (comma separated)"
// @Success      200  {object}  services.Feed
// @Failure      400  {object}  map[string]interface{}  "Invalid parameters"
// @Failure      403  {object}  map[string]interface{}  "Coordination not enabled"
// @Router       /api/v1/orgs/{org}/calendar [get]
// Feed returns the calendar feed
// GET /api/v1/orgs/:org/calendar?start=2025-10-01&end=2025-10-31
func (h *CalendarHandlers) Feed(c *gin.Context) {
	start, okStart := parseBound(c.Query("start"), false)
	end, okEnd := parseBound(c.Query("end"), true)
	if !okStart || !okEnd {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start and end must be dates (YYYY-MM-DD) or RFC 3339 timestamps"})
		return
	}

	feed, err := h.svc.Feed(c.Request.Context(), services.FeedRequest{
		Start:  start,
		End:    end,
		Types:  listParam(c, "type"),
		Status: listParam(c, "status"),
	})
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, feed)
}

// GetEvent returns one coordination event
// GET /api/v1/orgs/:org/events/:id
func (h *CalendarHandlers) GetEvent(c *gin.Context) {
	ev, err := h.svc.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	if ev == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		return
	}
	c.JSON(http.StatusOK, ev)
}

// CreateEvent creates a coordination event
// POST /api/v1/orgs/:org/events
func (h *CalendarHandlers) CreateEvent(c *gin.Context) {
	var in services.EventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev, err := h.svc.CreateEvent(c.Request.Context(), in)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

// UpdateEvent replaces a coordination event
// PUT /api/v1/orgs/:org/events/:id
func (h *CalendarHandlers) UpdateEvent(c *gin.Context) {
	var in services.EventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev, err := h.svc.UpdateEvent(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// DeleteEvent deletes a coordination event
// DELETE /api/v1/orgs/:org/events/:id
func (h *CalendarHandlers) DeleteEvent(c *gin.Context) {
	if err := h.svc.DeleteEvent(c.Request.Context(), c.Param("id")); err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Event deleted"})
}
