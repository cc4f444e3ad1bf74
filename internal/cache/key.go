package cache

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/obcms/obcms-core/internal/db/models"
)

// Family names a category of derived results sharing one invalidation counter per organization
type Family string

const (
	FamilyCalendarFeed   Family = "calendar_feed"
	FamilyDashboardStats Family = "dashboard_stats"
)

// AllOrganizations is the organization token of results spanning every tenant.
// Every Invalidate also bumps the counter under this token.
const AllOrganizations = "_all"

// OrgToken returns the organization part of cache keys for reads made on behalf of org.
// Aggregator reads share the all-organizations token.
func OrgToken(org *models.Organization) string {
	if org.SeesAllTenants() {
		return AllOrganizations
	}
	return org.ID
}

// Params are the request parameters distinguishing entries of one family and generation.
// Values must be JSON-encodable; slices are hashed in the order given.
type Params map[string]interface{}

// Hash returns a stable hash of p. Map keys are serialised in sorted order, so two
// Params with the same content always hash alike.
func (p Params) Hash() (string, error) {
	if len(p) == 0 {
		return "0", nil
	}
	// encoding/json writes map keys sorted, which makes the encoding canonical
	raw, err := json.Marshal(map[string]interface{}(p))
	if err != nil {
		return "", fmt.Errorf("failed to encode cache params: %w", err)
	}
	return strconv.FormatUint(xxhash.Sum64(raw), 16), nil
}

type keyspace struct {
	prefix string
}

func (k keyspace) generation(family Family, org string) string {
	return k.join("gen", string(family), org)
}

func (k keyspace) subGeneration(family Family, org, sub string) string {
	return k.join("gen", string(family), org, "sub", sub)
}

func (k keyspace) entry(family Family, org string, gen int64, sub string, subGen int64, paramsHash string) string {
	parts := []string{"entry", string(family), org, "g" + strconv.FormatInt(gen, 10)}
	if sub != "" {
		parts = append(parts, "u"+sub, "s"+strconv.FormatInt(subGen, 10))
	}
	parts = append(parts, paramsHash)
	return k.join(parts...)
}

func (k keyspace) join(parts ...string) string {
	if k.prefix == "" {
		return strings.Join(parts, ":")
	}
	return k.prefix + ":" + strings.Join(parts, ":")
}
