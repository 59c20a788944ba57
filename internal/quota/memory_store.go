package quota

import (
	"context"
	"time"

	"github.com/mbaier/clinicgate/internal/tenant"
)

// MemoryStore implements the compare-and-increment on top of the in-memory
// tenant store's Mutate hook, which holds the store write lock for the whole
// read-modify-write.
type MemoryStore struct {
	tenants *tenant.MemoryStore
}

// NewMemoryStore creates a quota store backed by an in-memory tenant store.
func NewMemoryStore(tenants *tenant.MemoryStore) *MemoryStore {
	return &MemoryStore{tenants: tenants}
}

func (m *MemoryStore) Reserve(ctx context.Context, tenantID string, periodStart time.Time, cap int) (int, bool, error) {
	var used int
	var admitted bool
	err := m.tenants.Mutate(ctx, tenantID, func(t *tenant.Tenant) error {
		if t.UsagePeriodStart.Before(periodStart) {
			// Lazy reset persists even when the reservation is denied.
			t.ConsultsUsed = 0
			t.UsagePeriodStart = periodStart
		}
		if t.ConsultsUsed >= cap {
			used = t.ConsultsUsed
			return nil
		}
		t.ConsultsUsed++
		t.UpdatedAt = time.Now()
		used = t.ConsultsUsed
		admitted = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return used, admitted, nil
}

var _ Store = (*MemoryStore)(nil)
