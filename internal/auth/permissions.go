// Package auth - permissions.go resolves the scopes a user holds inside one organization
// from their membership role template, with a short-lived cache in front of the database.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// ErrNotMember is returned when the user has no membership in the organization
var ErrNotMember = errors.New("user is not a member of the organization")

// ScopeLookup loads a member's scopes; member is false when the user does not belong
// to the organization.
type ScopeLookup interface {
	GetMemberScopes(ctx context.Context, orgID, userID string) (scopes []string, member bool, err error)
}

type membership struct {
	scopes []string
	member bool
}

// PermissionResolver caches membership scopes per (organization, user)
type PermissionResolver struct {
	lookup ScopeLookup
	cache  *ttlcache.Cache[string, membership]
}

// NewPermissionResolver creates a resolver whose entries live for ttl
func NewPermissionResolver(lookup ScopeLookup, ttl time.Duration) *PermissionResolver {
	return &PermissionResolver{
		lookup: lookup,
		cache: ttlcache.New[string, membership](
			ttlcache.WithTTL[string, membership](ttl),
			ttlcache.WithDisableTouchOnHit[string, membership](),
		),
	}
}

// Start runs the expired-entry cleanup loop until Stop is called
func (p *PermissionResolver) Start() {
	go p.cache.Start()
}

// Stop ends the cleanup loop
func (p *PermissionResolver) Stop() {
	p.cache.Stop()
}

func permissionKey(orgID, userID string) string {
	return orgID + "|" + userID
}

// Scopes returns the scopes userID holds in orgID, or ErrNotMember. Lookup failures are
// returned and never cached; non-membership is cached like any other answer.
func (p *PermissionResolver) Scopes(ctx context.Context, orgID, userID string) ([]string, error) {
	key := permissionKey(orgID, userID)
	if item := p.cache.Get(key); item != nil {
		return result(item.Value())
	}

	scopes, member, err := p.lookup.GetMemberScopes(ctx, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}
	m := membership{scopes: scopes, member: member}
	p.cache.Set(key, m, ttlcache.DefaultTTL)
	return result(m)
}

func result(m membership) ([]string, error) {
	if !m.member {
		return nil, ErrNotMember
	}
	return append([]string(nil), m.scopes...), nil
}

// Allowed reports whether userID holds required in orgID
func (p *PermissionResolver) Allowed(ctx context.Context, orgID, userID string, required Scope) (bool, error) {
	scopes, err := p.Scopes(ctx, orgID, userID)
	if errors.Is(err, ErrNotMember) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return HasScope(scopes, required), nil
}

// Invalidate drops the cached scopes of one membership
func (p *PermissionResolver) Invalidate(orgID, userID string) {
	p.cache.Delete(permissionKey(orgID, userID))
}

// InvalidateAll drops every cached membership, e.g. after a role template changed
func (p *PermissionResolver) InvalidateAll() {
	p.cache.DeleteAll()
}
