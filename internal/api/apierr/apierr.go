// Package apierr maps domain errors to HTTP responses
package apierr

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/obcms/obcms-core/internal/db/repositories"
	"github.com/obcms/obcms-core/internal/services"
	"github.com/obcms/obcms-core/internal/tenancy"
)

// Status returns the HTTP status for err and the message safe to show to the caller
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrInvalidInput),
		errors.Is(err, repositories.ErrInvalidTransferTarget):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, tenancy.ErrUnknownOrganization),
		errors.Is(err, repositories.ErrRecordNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, services.ErrCapabilityDisabled):
		return http.StatusForbidden, "Feature area is not enabled for this organization"
	case errors.Is(err, repositories.ErrCrossTenantWrite):
		return http.StatusForbidden, "Record belongs to another organization"
	case errors.Is(err, services.ErrAggregatorLimit):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// Write aborts the request with the response for err. Server errors are logged.
func Write(c *gin.Context, err error) {
	status, msg := Status(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", c.FullPath(), "error", err)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
