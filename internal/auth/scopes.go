// Package auth - scopes.go defines permission scope constants for the OBCMS feature areas
// and provides HasScope, HasAnyScope, and HasAllScopes helper functions for scope checking.
package auth

import (
	"errors"
	"fmt"
)

// Scope represents a permission/scope type
type Scope string

const (
	// Community profile scopes
	ScopeCommunitiesRead  Scope = "communities:read"
	ScopeCommunitiesWrite Scope = "communities:write"

	// Assessment scopes
	ScopeAssessmentsRead  Scope = "assessments:read"
	ScopeAssessmentsWrite Scope = "assessments:write"

	// Coordination calendar scopes
	ScopeCoordinationRead  Scope = "coordination:read"  // View the calendar feed and events
	ScopeCoordinationWrite Scope = "coordination:write" // Create, update, delete coordination events

	// Budget scopes
	ScopeBudgetRead  Scope = "budget:read"
	ScopeBudgetWrite Scope = "budget:write"

	// Organization management scopes
	ScopeOrganizationsRead  Scope = "organizations:read"  // View organizations and members
	ScopeOrganizationsWrite Scope = "organizations:write" // Create, update organizations and manage members

	// Audit log scopes
	ScopeAuditRead Scope = "audit:read"

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

// impliedBy maps a read scope to the write scope that also grants it
var impliedBy = map[Scope]Scope{
	ScopeCommunitiesRead:   ScopeCommunitiesWrite,
	ScopeAssessmentsRead:   ScopeAssessmentsWrite,
	ScopeCoordinationRead:  ScopeCoordinationWrite,
	ScopeBudgetRead:        ScopeBudgetWrite,
	ScopeOrganizationsRead: ScopeOrganizationsWrite,
}

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeCommunitiesRead,
		ScopeCommunitiesWrite,
		ScopeAssessmentsRead,
		ScopeAssessmentsWrite,
		ScopeCoordinationRead,
		ScopeCoordinationWrite,
		ScopeBudgetRead,
		ScopeBudgetWrite,
		ScopeOrganizationsRead,
		ScopeOrganizationsWrite,
		ScopeAuditRead,
		ScopeAdmin,
	}
}

// ValidScopes returns a map of valid scope strings
func ValidScopes() map[string]bool {
	validScopes := make(map[string]bool)
	for _, scope := range AllScopes() {
		validScopes[string(scope)] = true
	}
	return validScopes
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	validScopes := ValidScopes()

	for _, scope := range scopes {
		if !validScopes[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}

	return nil
}

// HasScope checks if a member has a required scope.
// The admin scope grants everything and a write scope grants the matching read scope.
func HasScope(userScopes []string, required Scope) bool {
	requiredStr := string(required)
	implied, hasImplied := impliedBy[required]

	for _, scope := range userScopes {
		if scope == requiredStr || scope == string(ScopeAdmin) {
			return true
		}
		if hasImplied && scope == string(implied) {
			return true
		}
	}

	return false
}

// HasAnyScope checks if a member has at least one of the required scopes
func HasAnyScope(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(userScopes, required) {
			return true
		}
	}
	return false
}

// HasAllScopes checks if a member has all of the required scopes
func HasAllScopes(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if !HasScope(userScopes, required) {
			return false
		}
	}
	return true
}

// ValidateScopeString validates a single scope string
func ValidateScopeString(scope string) error {
	if !ValidScopes()[scope] {
		return errors.New("invalid scope")
	}
	return nil
}
