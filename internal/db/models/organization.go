// Package models - organization.go defines the Organization model representing one ministry,
// office or agency (tenant) together with its enabled capability areas and aggregator flag.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"
)

// Capability names one feature area an organization can have enabled
type Capability string

const (
	CapabilityCommunities  Capability = "communities"
	CapabilityAssessments  Capability = "assessments"
	CapabilityCoordination Capability = "coordination"
	CapabilityBudget       Capability = "budget"
)

// AllCapabilities returns every known capability
func AllCapabilities() []Capability {
	return []Capability{
		CapabilityCommunities,
		CapabilityAssessments,
		CapabilityCoordination,
		CapabilityBudget,
	}
}

// Capabilities is the set of enabled feature areas, persisted as a JSONB object of booleans
type Capabilities map[Capability]bool

// Value implements driver.Valuer
func (c Capabilities) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner
func (c *Capabilities) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*c = Capabilities{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported capabilities type %T", src)
	}

	out := Capabilities{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("failed to parse capabilities: %w", err)
		}
	}
	*c = out
	return nil
}

// Enabled returns the enabled capabilities in a stable order
func (c Capabilities) Enabled() []Capability {
	out := make([]Capability, 0, len(c))
	for k, on := range c {
		if on {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidCapability reports whether name is a known capability
func ValidCapability(name string) bool {
	return slices.Contains(AllCapabilities(), Capability(name))
}

// Organization represents a tenant (ministry, office or agency)
type Organization struct {
	ID           string       `db:"id" json:"id"`
	Code         string       `db:"code" json:"code"` // Short unique code, e.g. "MOH"
	Name         string       `db:"name" json:"name"`
	Capabilities Capabilities `db:"capabilities" json:"capabilities"`
	IsActive     bool         `db:"is_active" json:"is_active"`
	IsAggregator bool         `db:"is_aggregator" json:"is_aggregator"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updated_at"`
}

// Can reports whether the organization has the capability enabled
func (o *Organization) Can(capability Capability) bool {
	if o == nil {
		return false
	}
	return o.Capabilities[capability]
}

// SeesAllTenants reports whether scoped reads for this organization span every tenant.
// This is the only place the aggregator flag is interpreted.
func (o *Organization) SeesAllTenants() bool {
	return o != nil && o.IsActive && o.IsAggregator
}
