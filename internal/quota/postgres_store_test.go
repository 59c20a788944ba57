//go:build integration

package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbaier/clinicgate/internal/tenant"
	"github.com/mbaier/clinicgate/internal/testutil"
)

func TestPostgres_Reserve_UpToCap(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	tenants := tenant.NewPostgresStore(db)
	periodStart := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, tenants.Create(ctx, &tenant.Tenant{
		ID:               "ten_q1",
		Name:             "Quota Clinic",
		State:            tenant.StateActive,
		Tier:             tenant.TierBasic,
		UsagePeriodStart: periodStart,
		Limits:           tenant.DefaultLimitsForTier(tenant.TierBasic),
	}))

	store := NewPostgresStore(db)

	for i := 1; i <= 3; i++ {
		used, admitted, err := store.Reserve(ctx, "ten_q1", periodStart, 3)
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, i, used)
	}

	used, admitted, err := store.Reserve(ctx, "ten_q1", periodStart, 3)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, 3, used)
}

func TestPostgres_Reserve_LazyPeriodReset(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	tenants := tenant.NewPostgresStore(db)
	oldPeriod := time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, tenants.Create(ctx, &tenant.Tenant{
		ID:               "ten_q2",
		Name:             "Rollover Clinic",
		State:            tenant.StateActive,
		Tier:             tenant.TierBasic,
		UsagePeriodStart: oldPeriod,
		ConsultsUsed:     30,
		Limits:           tenant.DefaultLimitsForTier(tenant.TierBasic),
	}))

	store := NewPostgresStore(db)

	// A reserve in the new period resets the counter before incrementing.
	newPeriod := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	used, admitted, err := store.Reserve(ctx, "ten_q2", newPeriod, 30)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, 1, used)

	got, err := tenants.Get(ctx, "ten_q2")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsultsUsed)
	assert.True(t, got.UsagePeriodStart.Equal(newPeriod))
}

func TestPostgres_Reserve_MissingTenant(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	_, _, err := store.Reserve(context.Background(), "ten_nope", time.Now(), 10)
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
}

func TestPostgres_Reserve_ConcurrentNeverExceedsCap(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	tenants := tenant.NewPostgresStore(db)
	periodStart := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, tenants.Create(ctx, &tenant.Tenant{
		ID:               "ten_q3",
		Name:             "Race Clinic",
		State:            tenant.StateActive,
		Tier:             tenant.TierBasic,
		UsagePeriodStart: periodStart,
		Limits:           tenant.DefaultLimitsForTier(tenant.TierBasic),
	}))

	store := NewPostgresStore(db)

	const consultCap = 10
	const attempts = 50

	var wg sync.WaitGroup
	results := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, admitted, err := store.Reserve(ctx, "ten_q3", periodStart, consultCap)
			if err != nil {
				t.Errorf("Reserve failed: %v", err)
				return
			}
			results <- admitted
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for ok := range results {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, consultCap, admitted, "exactly cap reservations must be admitted")

	got, err := tenants.Get(ctx, "ten_q3")
	require.NoError(t, err)
	assert.Equal(t, consultCap, got.ConsultsUsed, "counter must equal cap after the race")
}
