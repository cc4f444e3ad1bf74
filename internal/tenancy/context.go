// Package tenancy carries the active organization (tenant) for one execution unit:
// an HTTP request or a background task. Every scoped persistence call and every
// derived-view cache lookup reads the organization from here.
package tenancy

import (
	"context"
	"sync"

	"github.com/obcms/obcms-core/internal/db/models"
)

// Slot holds the organization of one execution unit. A slot is owned by a single
// request or worker and must never be shared between concurrently running units.
// The zero value is an empty slot.
type Slot struct {
	mu  sync.RWMutex
	org *models.Organization
}

// NewSlot returns an empty slot
func NewSlot() *Slot {
	return &Slot{}
}

// Set replaces the current organization. Setting nil means "no tenant".
func (s *Slot) Set(org *models.Organization) {
	s.mu.Lock()
	s.org = org
	s.mu.Unlock()
}

// Current returns the organization in the slot, or nil when none is set
func (s *Slot) Current() *models.Organization {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.org
}

// Clear empties the slot
func (s *Slot) Clear() {
	s.Set(nil)
}

type slotKey struct{}

// NewContext returns a copy of ctx carrying slot
func NewContext(ctx context.Context, slot *Slot) context.Context {
	return context.WithValue(ctx, slotKey{}, slot)
}

// FromContext extracts the slot attached to ctx
func FromContext(ctx context.Context) (*Slot, bool) {
	if ctx == nil {
		return nil, false
	}
	slot, ok := ctx.Value(slotKey{}).(*Slot)
	return slot, ok && slot != nil
}

// Current returns the organization active for ctx, or nil when ctx carries no slot
// or the slot is empty.
func Current(ctx context.Context) *models.Organization {
	slot, ok := FromContext(ctx)
	if !ok {
		return nil
	}
	return slot.Current()
}

// WithOrganization returns a context carrying a fresh slot already set to org.
// Intended for short-lived units (tests, one-off admin tasks) that do not need Run's
// clearing guarantees because the slot is never reused.
func WithOrganization(ctx context.Context, org *models.Organization) context.Context {
	slot := NewSlot()
	slot.Set(org)
	return NewContext(ctx, slot)
}

// Run sets org on slot, calls fn with a context carrying the slot and restores the
// slot's previous value when fn returns, fails or panics. A panic is re-raised after
// the slot has been restored. For a unit that starts with an empty slot, restoring
// means clearing.
func Run(ctx context.Context, slot *Slot, org *models.Organization, fn func(ctx context.Context) error) error {
	prev := slot.Current()
	slot.Set(org)
	defer slot.Set(prev)

	return fn(NewContext(ctx, slot))
}
