package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/obcms/obcms-core/internal/audit"
	"github.com/obcms/obcms-core/internal/cache"
	"github.com/obcms/obcms-core/internal/db/models"
	"github.com/obcms/obcms-core/internal/db/repositories"
)

// ErrAggregatorLimit is returned when granting the aggregator flag would exceed the configured maximum
var ErrAggregatorLimit = errors.New("maximum number of aggregator organizations reached")

var orgCodePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,15}$`)

// OrganizationCache drops cached organizations; satisfied by *tenancy.Resolver
type OrganizationCache interface {
	Forget(org *models.Organization)
}

// PermissionCache drops cached membership scopes; satisfied by *auth.PermissionResolver
type PermissionCache interface {
	Invalidate(orgID, userID string)
}

// AuditRecorder is satisfied by *audit.Recorder
type AuditRecorder interface {
	Record(entry *audit.LogEntry)
}

// OrganizationService implements the administrative operations on organizations. None of
// them are tenant scoped: they are reserved to aggregator administrators by the router.
type OrganizationService struct {
	orgs           *repositories.OrganizationRepository
	cols           Collections
	engine         *cache.Engine
	orgCache       OrganizationCache
	permCache      PermissionCache
	recorder       AuditRecorder
	maxAggregators int
}

// OrganizationServiceConfig wires an OrganizationService
type OrganizationServiceConfig struct {
	Organizations  *repositories.OrganizationRepository
	Collections    Collections
	Engine         *cache.Engine
	OrgCache       OrganizationCache
	PermCache      PermissionCache
	Recorder       AuditRecorder
	MaxAggregators int
}

// NewOrganizationService creates the service
func NewOrganizationService(cfg OrganizationServiceConfig) *OrganizationService {
	return &OrganizationService{
		orgs:           cfg.Organizations,
		cols:           cfg.Collections,
		engine:         cfg.Engine,
		orgCache:       cfg.OrgCache,
		permCache:      cfg.PermCache,
		recorder:       cfg.Recorder,
		maxAggregators: cfg.MaxAggregators,
	}
}

// CreateOrganizationInput holds the fields of a new organization
type CreateOrganizationInput struct {
	Code         string   `json:"code"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	IsAggregator bool     `json:"is_aggregator"`
}

func parseCapabilities(names []string) (models.Capabilities, error) {
	caps := models.Capabilities{}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if !models.ValidCapability(n) {
			return nil, invalid("unknown capability %q", n)
		}
		caps[models.Capability(n)] = true
	}
	return caps, nil
}

// Get returns the organization with id, active or not
func (s *OrganizationService) Get(ctx context.Context, id string) (*models.Organization, error) {
	org, err := s.orgs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, fmt.Errorf("organization %s: %w", id, repositories.ErrRecordNotFound)
	}
	return org, nil
}

// List returns organizations ordered by code
func (s *OrganizationService) List(ctx context.Context, includeInactive bool, page Page) ([]*models.Organization, error) {
	return s.orgs.List(ctx, includeInactive, page.limit(), page.Offset)
}

// Create registers a new, active organization
func (s *OrganizationService) Create(ctx context.Context, in CreateOrganizationInput) (*models.Organization, error) {
	code := strings.ToUpper(strings.TrimSpace(in.Code))
	if !orgCodePattern.MatchString(code) {
		return nil, invalid("code must be 2-16 upper-case letters, digits or underscores")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, invalid("name is required")
	}
	caps, err := parseCapabilities(in.Capabilities)
	if err != nil {
		return nil, err
	}

	existing, err := s.orgs.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, invalid("organization %s already exists", code)
	}
	if in.IsAggregator {
		if err := s.checkAggregatorLimit(ctx, ""); err != nil {
			return nil, err
		}
	}

	org := &models.Organization{
		Code:         code,
		Name:         name,
		Capabilities: caps,
		IsActive:     true,
		IsAggregator: in.IsAggregator,
	}
	if err := s.orgs.Create(ctx, org); err != nil {
		return nil, err
	}
	return org, nil
}

// SetCapabilities replaces the enabled feature areas. Derived views of the organization
// are invalidated since what they count depends on the capabilities.
func (s *OrganizationService) SetCapabilities(ctx context.Context, id string, names []string) (*models.Organization, error) {
	caps, err := parseCapabilities(names)
	if err != nil {
		return nil, err
	}
	org, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	previous := org.Capabilities.Enabled()
	org.Capabilities = caps
	if err := s.orgs.Update(ctx, org); err != nil {
		return nil, err
	}
	s.orgCache.Forget(org)
	_ = s.engine.InvalidateAll(context.WithoutCancel(ctx), org.ID, cache.FamilyCalendarFeed, cache.FamilyDashboardStats)

	s.record(ctx, &audit.LogEntry{
		Action:         audit.ActionOrgCapabilities,
		OrganizationID: org.ID,
		OrgCode:        org.Code,
		ResourceType:   "organization",
		ResourceID:     org.ID,
		Metadata: map[string]interface{}{
			"previous": previous,
			"current":  org.Capabilities.Enabled(),
		},
	})
	return org, nil
}

// SetActive activates or deactivates an organization. A deactivated organization no
// longer resolves, so its members lose access on their next request.
func (s *OrganizationService) SetActive(ctx context.Context, id string, active bool) (*models.Organization, error) {
	org, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if active && !org.IsActive && org.IsAggregator {
		if err := s.checkAggregatorLimit(ctx, org.ID); err != nil {
			return nil, err
		}
	}
	org.IsActive = active
	if err := s.orgs.Update(ctx, org); err != nil {
		return nil, err
	}
	s.orgCache.Forget(org)
	return org, nil
}

// SetAggregator grants or revokes cross-tenant read visibility
func (s *OrganizationService) SetAggregator(ctx context.Context, id string, aggregator bool) (*models.Organization, error) {
	org, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if aggregator && !org.IsAggregator {
		if err := s.checkAggregatorLimit(ctx, org.ID); err != nil {
			return nil, err
		}
	}
	org.IsAggregator = aggregator
	if err := s.orgs.Update(ctx, org); err != nil {
		return nil, err
	}
	s.orgCache.Forget(org)
	return org, nil
}

func (s *OrganizationService) checkAggregatorLimit(ctx context.Context, excludeID string) error {
	n, err := s.orgs.CountAggregators(ctx, excludeID)
	if err != nil {
		return err
	}
	if n >= s.maxAggregators {
		return fmt.Errorf("%w (%d)", ErrAggregatorLimit, s.maxAggregators)
	}
	return nil
}

// TransferRecord moves a record of the given type to another organization
func (s *OrganizationService) TransferRecord(ctx context.Context, record, id, toOrgID string) error {
	var err error
	switch record {
	case repositories.RecordCommunity:
		err = s.cols.Communities.Transfer(ctx, id, toOrgID)
	case repositories.RecordAssessment:
		err = s.cols.Assessments.Transfer(ctx, id, toOrgID)
	case repositories.RecordCoordinationEvent:
		err = s.cols.Events.Transfer(ctx, id, toOrgID)
	default:
		return invalid("unknown record type %q", record)
	}
	if err != nil {
		return err
	}

	s.record(ctx, &audit.LogEntry{
		Action:         audit.ActionRecordTransfer,
		OrganizationID: toOrgID,
		ResourceType:   record,
		ResourceID:     id,
	})
	return nil
}

// ListMembers returns the members of an organization with their role templates
func (s *OrganizationService) ListMembers(ctx context.Context, orgID string) ([]*models.OrganizationMemberWithRole, error) {
	if _, err := s.Get(ctx, orgID); err != nil {
		return nil, err
	}
	return s.orgs.ListMembersWithRoles(ctx, orgID)
}

// AddMember adds userID to the organization with an optional role template
func (s *OrganizationService) AddMember(ctx context.Context, orgID, userID string, roleTemplateID *string) (*models.OrganizationMember, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalid("user_id is required")
	}
	if _, err := s.Get(ctx, orgID); err != nil {
		return nil, err
	}
	existing, err := s.orgs.GetMember(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, invalid("user %s is already a member", userID)
	}

	member := &models.OrganizationMember{OrganizationID: orgID, UserID: userID, RoleTemplateID: roleTemplateID}
	if err := s.orgs.AddMember(ctx, member); err != nil {
		return nil, err
	}
	s.permCache.Invalidate(orgID, userID)
	return member, nil
}

// UpdateMemberRole changes the role template of a member
func (s *OrganizationService) UpdateMemberRole(ctx context.Context, orgID, userID string, roleTemplateID *string) error {
	if err := s.orgs.UpdateMemberRoleTemplate(ctx, orgID, userID, roleTemplateID); err != nil {
		return err
	}
	s.permCache.Invalidate(orgID, userID)
	return nil
}

// RemoveMember removes userID from the organization
func (s *OrganizationService) RemoveMember(ctx context.Context, orgID, userID string) error {
	if err := s.orgs.RemoveMember(ctx, orgID, userID); err != nil {
		return err
	}
	s.permCache.Invalidate(orgID, userID)
	return nil
}

func (s *OrganizationService) record(ctx context.Context, entry *audit.LogEntry) {
	if s.recorder == nil {
		return
	}
	entry.UserID = audit.ActorFromContext(ctx)
	s.recorder.Record(entry)
}
