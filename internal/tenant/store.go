package tenant

import (
	"context"
	"time"
)

// Store abstracts tenant persistence.
type Store interface {
	// Create inserts a new tenant. Returns ErrRefTaken if the billing
	// customer ref is already linked to another tenant.
	Create(ctx context.Context, t *Tenant) error

	// Get returns the tenant by ID, or ErrTenantNotFound.
	Get(ctx context.Context, id string) (*Tenant, error)

	// GetByBillingRef returns the tenant linked to a billing customer ref.
	GetByBillingRef(ctx context.Context, ref string) (*Tenant, error)

	// Update persists the full tenant row.
	Update(ctx context.Context, t *Tenant) error

	// UpdateFromEvent persists the subscription-lifecycle fields (state,
	// tier, limits, anchors, event markers) only if occurredAt is strictly
	// newer than the stored last_event_at, returning ErrStaleEvent
	// otherwise. Usage counters are never written from the caller's
	// snapshot; a tier change resets them atomically with the rest.
	// This is the linearization point for concurrent billing webhook
	// deliveries.
	UpdateFromEvent(ctx context.Context, t *Tenant, occurredAt time.Time) error

	// List returns all tenants, newest first.
	List(ctx context.Context, limit, offset int) ([]*Tenant, error)
}
