package device

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory device session store for demo/development.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session // by ID
}

// NewMemoryStore creates a new in-memory device store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Refresh(_ context.Context, tenantID, fingerprint string, now time.Time) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.liveLocked(tenantID, fingerprint); s != nil {
		s.LastActiveAt = now
		cp := *s
		return &cp, true, nil
	}
	return nil, false, nil
}

func (m *MemoryStore) InsertIfUnder(_ context.Context, sess *Session, activeSince time.Time, max int) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// One live row per (tenant, fingerprint).
	if m.liveLocked(sess.TenantID, sess.Fingerprint) != nil {
		return false, 0, nil
	}

	current := m.countActiveLocked(sess.TenantID, activeSince)
	if max > 0 && current >= max {
		return false, current, nil
	}

	cp := *sess
	m.sessions[sess.ID] = &cp
	return true, 0, nil
}

func (m *MemoryStore) List(_ context.Context, tenantID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sessions []*Session
	for _, s := range m.sessions {
		if s.TenantID == tenantID {
			cp := *s
			sessions = append(sessions, &cp)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActiveAt.After(sessions[j].LastActiveAt)
	})
	return sessions, nil
}

func (m *MemoryStore) Revoke(_ context.Context, tenantID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.TenantID != tenantID || s.Revoked {
		return ErrSessionNotFound
	}
	s.Revoked = true
	return nil
}

func (m *MemoryStore) CountActive(_ context.Context, tenantID string, activeSince time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countActiveLocked(tenantID, activeSince), nil
}

func (m *MemoryStore) liveLocked(tenantID, fingerprint string) *Session {
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.Fingerprint == fingerprint && !s.Revoked {
			return s
		}
	}
	return nil
}

func (m *MemoryStore) countActiveLocked(tenantID string, activeSince time.Time) int {
	count := 0
	for _, s := range m.sessions {
		if s.TenantID == tenantID && !s.Revoked && !s.LastActiveAt.Before(activeSince) {
			count++
		}
	}
	return count
}

var _ Store = (*MemoryStore)(nil)
