package tenancy

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/obcms/obcms-core/internal/db/models"
)

// OrganizationLookup is the persistence dependency of the Resolver.
// Both methods return (nil, nil) when no row matches.
type OrganizationLookup interface {
	GetByCode(ctx context.Context, code string) (*models.Organization, error)
	GetByID(ctx context.Context, id string) (*models.Organization, error)
}

// Resolver turns the organization identifier supplied by a request or task (code or id)
// into an active Organization. Lookups are cached for a short TTL; admin mutations call
// Forget so capability and aggregator changes apply on the next request.
type Resolver struct {
	lookup OrganizationLookup
	cache  *ttlcache.Cache[string, *models.Organization]
}

// NewResolver creates a resolver caching lookups for ttl. Call Start to run expiry.
func NewResolver(lookup OrganizationLookup, ttl time.Duration) *Resolver {
	return &Resolver{
		lookup: lookup,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *models.Organization](ttl),
			ttlcache.WithDisableTouchOnHit[string, *models.Organization](),
		),
	}
}

// Start runs the cache expiry loop until Stop is called
func (r *Resolver) Start() {
	go r.cache.Start()
}

// Stop ends the cache expiry loop
func (r *Resolver) Stop() {
	r.cache.Stop()
}

// Resolve returns the active organization identified by ref (an id or a code).
// Missing and deactivated organizations both yield ErrUnknownOrganization.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*models.Organization, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrUnknownOrganization)
	}

	key := cacheKey(ref)
	var lookupErr error
	loader := ttlcache.LoaderFunc[string, *models.Organization](
		func(c *ttlcache.Cache[string, *models.Organization], k string) *ttlcache.Item[string, *models.Organization] {
			var org *models.Organization
			if strings.HasPrefix(k, "id:") {
				org, lookupErr = r.lookup.GetByID(ctx, ref)
			} else {
				org, lookupErr = r.lookup.GetByCode(ctx, strings.ToUpper(ref))
			}
			// Only active organizations are cached; errors and misses hit the database again.
			if lookupErr != nil || org == nil || !org.IsActive {
				return nil
			}
			return c.Set(k, org, ttlcache.DefaultTTL)
		},
	)

	item := r.cache.Get(key, ttlcache.WithLoader(loader))
	if lookupErr != nil {
		return nil, fmt.Errorf("failed to resolve organization %q: %w", ref, lookupErr)
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrganization, ref)
	}
	return clone(item.Value()), nil
}

// Forget drops any cached entry for org
func (r *Resolver) Forget(org *models.Organization) {
	if org == nil {
		return
	}
	r.cache.Delete("id:" + org.ID)
	r.cache.Delete("code:" + strings.ToUpper(org.Code))
}

// Flush drops every cached organization
func (r *Resolver) Flush() {
	r.cache.DeleteAll()
}

func cacheKey(ref string) string {
	if _, err := uuid.Parse(ref); err == nil {
		return "id:" + ref
	}
	return "code:" + strings.ToUpper(ref)
}

// clone hands callers their own copy so a request can never mutate the cached value
func clone(org *models.Organization) *models.Organization {
	out := *org
	out.Capabilities = maps.Clone(org.Capabilities)
	return &out
}
