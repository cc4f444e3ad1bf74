package tenancy

import "errors"

var (
	// ErrMissingTenantContext is returned when a write requires an organization and none is active
	ErrMissingTenantContext = errors.New("no organization context is active")

	// ErrUnknownOrganization is returned when an organization identifier does not resolve to an active organization
	ErrUnknownOrganization = errors.New("unknown or inactive organization")
)
