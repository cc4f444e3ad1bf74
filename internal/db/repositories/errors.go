package repositories

import "errors"

var (
	// ErrCrossTenantWrite is returned when a write targets an organization other than the active one
	ErrCrossTenantWrite = errors.New("write targets a different organization than the active one")

	// ErrRecordNotFound is returned by scoped mutations when no record with that id is visible
	ErrRecordNotFound = errors.New("record not found")

	// ErrInvalidTransferTarget is returned when a transfer names a missing or inactive organization
	ErrInvalidTransferTarget = errors.New("transfer target organization is missing or inactive")
)
