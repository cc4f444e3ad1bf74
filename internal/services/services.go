// Package services implements the tenant-aware business operations behind the API: the
// coordination calendar feed, dashboard statistics, record management and organization
// administration. Services read the active organization from the context and talk to
// the scoped collections; derived views go through the generation-counter cache.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/obcms/obcms-core/internal/cache"
	"github.com/obcms/obcms-core/internal/db/models"
	"github.com/obcms/obcms-core/internal/db/repositories"
	"github.com/obcms/obcms-core/internal/tenancy"
)

var (
	// ErrCapabilityDisabled is returned when the organization has not enabled the feature area
	ErrCapabilityDisabled = errors.New("feature area is not enabled for the organization")

	// ErrInvalidInput is returned for requests failing validation
	ErrInvalidInput = errors.New("invalid input")
)

// activeOrganization returns the organization in ctx, requiring capability when non-empty.
// Every capability check goes through Organization.Can.
func activeOrganization(ctx context.Context, capability models.Capability) (*models.Organization, error) {
	org := tenancy.Current(ctx)
	if org == nil {
		return nil, tenancy.ErrMissingTenantContext
	}
	if capability != "" && !org.Can(capability) {
		return nil, fmt.Errorf("%w: %s for %s", ErrCapabilityDisabled, capability, org.Code)
	}
	return org, nil
}

// enabledCapabilities lists the organization's enabled capabilities in sorted order.
// Capabilities change what a derived view contains, so every cached view keys on them.
func enabledCapabilities(org *models.Organization) []string {
	enabled := org.Capabilities.Enabled()
	out := make([]string, 0, len(enabled))
	for _, c := range enabled {
		out = append(out, string(c))
	}
	return out
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Collections groups the scoped collections the services work on
type Collections struct {
	Communities *repositories.CommunityCollection
	Assessments *repositories.AssessmentCollection
	Events      *repositories.CoordinationEventCollection
}

// Dependents lists the cache families derived from each record type. A committed write to
// a record bumps every family listed for it.
var Dependents = map[string][]cache.Family{
	repositories.RecordCommunity:         {cache.FamilyDashboardStats},
	repositories.RecordAssessment:        {cache.FamilyCalendarFeed, cache.FamilyDashboardStats},
	repositories.RecordCoordinationEvent: {cache.FamilyCalendarFeed, cache.FamilyDashboardStats},
}

// WireInvalidation registers the mutation hooks that keep the derived views correct and
// sets auditor on every collection. Invalidation failures are logged by the engine and
// never fail the write that triggered them.
func WireInvalidation(engine *cache.Engine, cols Collections, auditor repositories.WideningAuditor) {
	hook := func(record string) repositories.MutationHook {
		families := Dependents[record]
		return func(ctx context.Context, orgID string) {
			// The write is committed; a cancelled request must not skip the bump.
			_ = engine.InvalidateAll(context.WithoutCancel(ctx), orgID, families...)
		}
	}

	cols.Communities.OnMutate(hook(cols.Communities.Record()))
	cols.Assessments.OnMutate(hook(cols.Assessments.Record()))
	cols.Events.OnMutate(hook(cols.Events.Record()))

	if auditor != nil {
		cols.Communities.SetAuditor(auditor)
		cols.Assessments.SetAuditor(auditor)
		cols.Events.SetAuditor(auditor)
	}
}
