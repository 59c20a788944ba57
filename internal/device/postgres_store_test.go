//go:build integration

package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbaier/clinicgate/internal/tenant"
	"github.com/mbaier/clinicgate/internal/testutil"
)

func seedDeviceTenant(t *testing.T, tenants *tenant.PostgresStore, id string) {
	t.Helper()
	require.NoError(t, tenants.Create(context.Background(), &tenant.Tenant{
		ID:     id,
		Name:   "Device Clinic",
		State:  tenant.StateActive,
		Tier:   tenant.TierBasic,
		Limits: tenant.DefaultLimitsForTier(tenant.TierBasic),
	}))
}

func TestPostgres_InsertIfUnder_AndRefresh(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	tenants := tenant.NewPostgresStore(db)
	seedDeviceTenant(t, tenants, "ten_d1")

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)
	since := now.Add(-7 * 24 * time.Hour)

	sess := &Session{
		ID:           "dev_1",
		TenantID:     "ten_d1",
		Fingerprint:  "fp-a",
		LastActiveAt: now,
		CreatedAt:    now,
	}
	inserted, _, err := store.InsertIfUnder(ctx, sess, since, 2)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Refresh bumps last_active_at on the live row.
	later := now.Add(time.Hour)
	got, found, err := store.Refresh(ctx, "ten_d1", "fp-a", later)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "dev_1", got.ID)
	assert.True(t, got.LastActiveAt.Equal(later))

	// Unknown fingerprint is not found.
	_, found, err = store.Refresh(ctx, "ten_d1", "fp-unknown", later)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPostgres_InsertIfUnder_CapGuard(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	tenants := tenant.NewPostgresStore(db)
	seedDeviceTenant(t, tenants, "ten_d2")

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)
	since := now.Add(-7 * 24 * time.Hour)

	for i, fp := range []string{"fp-1", "fp-2"} {
		sess := &Session{
			ID:           "dev_cap_" + fp,
			TenantID:     "ten_d2",
			Fingerprint:  fp,
			LastActiveAt: now,
			CreatedAt:    now,
		}
		inserted, current, err := store.InsertIfUnder(ctx, sess, since, 2)
		require.NoError(t, err)
		assert.True(t, inserted, "device %d should be admitted", i+1)
		_ = current
	}

	over := &Session{
		ID:           "dev_over",
		TenantID:     "ten_d2",
		Fingerprint:  "fp-3",
		LastActiveAt: now,
		CreatedAt:    now,
	}
	inserted, current, err := store.InsertIfUnder(ctx, over, since, 2)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, 2, current)

	// A stale device outside the window frees a slot.
	stale := now.Add(-8 * 24 * time.Hour)
	_, err = db.ExecContext(ctx,
		`UPDATE device_sessions SET last_active_at = $1 WHERE id = 'dev_cap_fp-1'`, stale)
	require.NoError(t, err)

	inserted, _, err = store.InsertIfUnder(ctx, over, since, 2)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestPostgres_Revoke_FreesFingerprint(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	tenants := tenant.NewPostgresStore(db)
	seedDeviceTenant(t, tenants, "ten_d3")

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)
	since := now.Add(-7 * 24 * time.Hour)

	sess := &Session{ID: "dev_r1", TenantID: "ten_d3", Fingerprint: "fp-r", LastActiveAt: now, CreatedAt: now}
	inserted, _, err := store.InsertIfUnder(ctx, sess, since, 1)
	require.NoError(t, err)
	require.True(t, inserted)

	require.NoError(t, store.Revoke(ctx, "ten_d3", "dev_r1"))

	// Revoking again fails: the live row is gone.
	assert.ErrorIs(t, store.Revoke(ctx, "ten_d3", "dev_r1"), ErrSessionNotFound)

	// The fingerprint can register as a fresh session now.
	again := &Session{ID: "dev_r2", TenantID: "ten_d3", Fingerprint: "fp-r", LastActiveAt: now, CreatedAt: now}
	inserted, _, err = store.InsertIfUnder(ctx, again, since, 1)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Both rows remain for audit.
	sessions, err := store.List(ctx, "ten_d3")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	active, err := store.CountActive(ctx, "ten_d3", since)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestPostgres_InsertIfUnder_DuplicateFingerprintLostRace(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	tenants := tenant.NewPostgresStore(db)
	seedDeviceTenant(t, tenants, "ten_d4")

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)
	since := now.Add(-7 * 24 * time.Hour)

	first := &Session{ID: "dev_dup1", TenantID: "ten_d4", Fingerprint: "fp-dup", LastActiveAt: now, CreatedAt: now}
	inserted, _, err := store.InsertIfUnder(ctx, first, since, 5)
	require.NoError(t, err)
	require.True(t, inserted)

	// Same fingerprint again hits the partial unique index; reported as a
	// lost race, not an error, so the caller re-runs the refresh path.
	dup := &Session{ID: "dev_dup2", TenantID: "ten_d4", Fingerprint: "fp-dup", LastActiveAt: now, CreatedAt: now}
	inserted, _, err = store.InsertIfUnder(ctx, dup, since, 5)
	require.NoError(t, err)
	assert.False(t, inserted)
}
