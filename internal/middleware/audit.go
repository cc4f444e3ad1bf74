// audit.go records authenticated API actions through the asynchronous audit recorder.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/obcms/obcms-core/internal/audit"
	"github.com/obcms/obcms-core/internal/config"
)

// AuditRecorder is satisfied by *audit.Recorder
type AuditRecorder interface {
	Record(entry *audit.LogEntry)
}

// AuditMiddleware records the request after the handler ran. By default only successful
// writes are recorded; cfg can add reads and failed requests.
func AuditMiddleware(recorder AuditRecorder, cfg config.AuditConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		method := c.Request.Method
		if method == http.MethodOptions || method == http.MethodHead {
			return
		}
		isRead := method == http.MethodGet
		isFailed := c.Writer.Status() >= 400
		if isRead && !cfg.LogReadOperations {
			return
		}
		if isFailed && !cfg.LogFailedRequests {
			return
		}

		resourceType, resourceID := resourceFromRoute(c)
		entry := &audit.LogEntry{
			Action:       actionFor(method, resourceType),
			UserID:       CurrentUserID(c),
			ResourceType: resourceType,
			ResourceID:   resourceID,
			IPAddress:    c.ClientIP(),
			StatusCode:   c.Writer.Status(),
			Metadata: map[string]interface{}{
				"route":      c.FullPath(),
				"request_id": c.GetString(RequestIDKey),
			},
		}
		if org := CurrentOrganization(c); org != nil {
			entry.OrganizationID = org.ID
			entry.OrgCode = org.Code
		}

		recorder.Record(entry)
	}
}

// resourceFromRoute derives the resource from the matched route template: the last static
// segment names the resource type and an :id parameter, when present, the resource.
// For /api/v1/orgs/:org/events/:id this yields ("events", <id>).
func resourceFromRoute(c *gin.Context) (string, string) {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	var resource string
	for _, seg := range strings.Split(route, "/") {
		if seg == "" || strings.HasPrefix(seg, ":") {
			continue
		}
		resource = seg
	}
	return resource, c.Param("id")
}

func actionFor(method, resource string) string {
	verb := strings.ToLower(method)
	switch method {
	case http.MethodPost:
		verb = "create"
	case http.MethodPut, http.MethodPatch:
		verb = "update"
	case http.MethodDelete:
		verb = "delete"
	case http.MethodGet:
		verb = "read"
	}
	if resource == "" {
		return verb
	}
	return resource + "." + verb
}
