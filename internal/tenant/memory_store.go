package tenant

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory tenant store for demo/development.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant // by ID
	refs    map[string]string  // billing customer ref → ID
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		refs:    make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.BillingCustomerRef != "" {
		if _, exists := m.refs[t.BillingCustomerRef]; exists {
			return ErrRefTaken
		}
	}

	cp := *t
	m.tenants[t.ID] = &cp
	if t.BillingCustomerRef != "" {
		m.refs[t.BillingCustomerRef] = t.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetByBillingRef(_ context.Context, ref string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.refs[ref]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *m.tenants[id]
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(t)
}

// UpdateFromEvent writes only the subscription-lifecycle fields. The usage
// counters stay whatever the stored row says (a reservation may have landed
// after the caller's read); a tier change resets them under the same lock.
func (m *MemoryStore) UpdateFromEvent(_ context.Context, t *Tenant, occurredAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tenants[t.ID]
	if !ok {
		return ErrTenantNotFound
	}
	if cur.LastEventAt != nil && !cur.LastEventAt.Before(occurredAt) {
		return ErrStaleEvent
	}

	cp := *cur
	cp.State = t.State
	cp.Limits = t.Limits
	cp.BillingCycleStart = t.BillingCycleStart
	cp.TrialEndsAt = t.TrialEndsAt
	cp.PastDueSince = t.PastDueSince
	cp.CancelAtPeriodEnd = t.CancelAtPeriodEnd
	cp.PeriodEndsAt = t.PeriodEndsAt
	if cp.Tier != t.Tier {
		cp.Tier = t.Tier
		cp.UsagePeriodStart = occurredAt
		cp.ConsultsUsed = 0
	}
	at := occurredAt
	cp.LastEventAt = &at
	cp.LastEventID = t.LastEventID
	cp.UpdatedAt = t.UpdatedAt
	m.tenants[t.ID] = &cp
	return nil
}

func (m *MemoryStore) updateLocked(t *Tenant) error {
	cur, ok := m.tenants[t.ID]
	if !ok {
		return ErrTenantNotFound
	}
	if t.BillingCustomerRef != "" && t.BillingCustomerRef != cur.BillingCustomerRef {
		if other, exists := m.refs[t.BillingCustomerRef]; exists && other != t.ID {
			return ErrRefTaken
		}
		if cur.BillingCustomerRef != "" {
			delete(m.refs, cur.BillingCustomerRef)
		}
		m.refs[t.BillingCustomerRef] = t.ID
	}
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

// Mutate applies fn to the stored tenant under the write lock, making the
// read-modify-write atomic with respect to all other store operations. The
// quota manager relies on this for compare-and-increment.
func (m *MemoryStore) Mutate(_ context.Context, id string, fn func(*Tenant) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return ErrTenantNotFound
	}
	cp := *t
	if err := fn(&cp); err != nil {
		return err
	}
	m.tenants[id] = &cp
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit, offset int) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		cp := *t
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

var _ Store = (*MemoryStore)(nil)
