package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbaier/clinicgate/internal/clock"
	"github.com/mbaier/clinicgate/internal/tenant"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func newMachine() Machine {
	return Machine{TrialLength: 14 * 24 * time.Hour}
}

func TestApply_SignupStartsTrial(t *testing.T) {
	m := newMachine()
	tn := &tenant.Tenant{ID: "ten_1", State: tenant.StateFree, Tier: tenant.TierNone}

	err := m.Apply(tn, Event{Type: EventSignupStarted, OccurredAt: t0, Tier: tenant.TierProfessional})
	require.NoError(t, err)
	assert.Equal(t, tenant.StateTrial, tn.State)
	require.NotNil(t, tn.TrialEndsAt)
	assert.Equal(t, t0.Add(14*24*time.Hour), *tn.TrialEndsAt)
	assert.Equal(t, tenant.TierProfessional, tn.Tier)

	// Signup only applies to Free tenants.
	err = m.Apply(tn, Event{Type: EventSignupStarted, OccurredAt: t0.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApply_PaymentSucceededActivates(t *testing.T) {
	m := newMachine()

	for _, state := range []tenant.SubscriptionState{
		tenant.StateTrial, tenant.StatePastDue, tenant.StateUnpaid, tenant.StateCancelled,
	} {
		tn := &tenant.Tenant{ID: "ten_1", State: state, Tier: tenant.TierBasic,
			Limits: tenant.DefaultLimitsForTier(tenant.TierBasic)}
		since := t0.Add(-time.Hour)
		tn.PastDueSince = &since
		tn.TrialEndsAt = &since
		tn.CancelAtPeriodEnd = true
		tn.PeriodEndsAt = &since

		err := m.Apply(tn, Event{Type: EventPaymentSucceed, OccurredAt: t0})
		require.NoError(t, err, "from %s", state)
		assert.Equal(t, tenant.StateActive, tn.State)
		assert.Nil(t, tn.PastDueSince)
		assert.Nil(t, tn.TrialEndsAt)
		assert.False(t, tn.CancelAtPeriodEnd)
		assert.Nil(t, tn.PeriodEndsAt)
	}
}

func TestApply_TierChangeResetsCycle(t *testing.T) {
	m := newMachine()
	anchor := t0.AddDate(0, -2, 0)
	tn := &tenant.Tenant{
		ID: "ten_1", State: tenant.StateActive, Tier: tenant.TierBasic,
		BillingCycleStart: anchor, UsagePeriodStart: anchor, ConsultsUsed: 12,
		Limits: tenant.DefaultLimitsForTier(tenant.TierBasic),
	}

	err := m.Apply(tn, Event{Type: EventPaymentSucceed, OccurredAt: t0, Tier: tenant.TierProfessional})
	require.NoError(t, err)
	assert.Equal(t, tenant.TierProfessional, tn.Tier)
	assert.Equal(t, tenant.DefaultLimitsForTier(tenant.TierProfessional), tn.Limits)
	assert.Equal(t, t0, tn.BillingCycleStart)
	assert.Equal(t, 0, tn.ConsultsUsed)

	// Same tier keeps the anchor.
	err = m.Apply(tn, Event{Type: EventPaymentSucceed, OccurredAt: t0.Add(time.Hour), Tier: tenant.TierProfessional})
	require.NoError(t, err)
	assert.Equal(t, t0, tn.BillingCycleStart)
}

func TestApply_PaymentFailed(t *testing.T) {
	m := newMachine()
	tn := &tenant.Tenant{ID: "ten_1", State: tenant.StateActive}

	err := m.Apply(tn, Event{Type: EventPaymentFailed, OccurredAt: t0})
	require.NoError(t, err)
	assert.Equal(t, tenant.StatePastDue, tn.State)
	require.NotNil(t, tn.PastDueSince)
	assert.Equal(t, t0, *tn.PastDueSince)

	// Repeat failures never advance the grace anchor.
	err = m.Apply(tn, Event{Type: EventPaymentFailed, OccurredAt: t0.Add(48 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, t0, *tn.PastDueSince)

	// A failure for a trial tenant does not apply.
	trial := &tenant.Tenant{ID: "ten_2", State: tenant.StateTrial}
	err = m.Apply(trial, Event{Type: EventPaymentFailed, OccurredAt: t0})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApply_TerminalFailureGoesUnpaid(t *testing.T) {
	m := newMachine()
	tn := &tenant.Tenant{ID: "ten_1", State: tenant.StatePastDue}

	err := m.Apply(tn, Event{Type: EventPaymentFailed, OccurredAt: t0, Terminal: true})
	require.NoError(t, err)
	assert.Equal(t, tenant.StateUnpaid, tn.State)
}

func TestApply_Cancellation(t *testing.T) {
	m := newMachine()
	end := t0.AddDate(0, 1, 0)
	tn := &tenant.Tenant{ID: "ten_1", State: tenant.StateActive}

	err := m.Apply(tn, Event{Type: EventCancelled, OccurredAt: t0, CancelAtPeriodEnd: true, PeriodEndsAt: &end})
	require.NoError(t, err)
	assert.Equal(t, tenant.StateCancelled, tn.State)
	assert.True(t, tn.CancelAtPeriodEnd)
	require.NotNil(t, tn.PeriodEndsAt)
	assert.Equal(t, end, *tn.PeriodEndsAt)

	// Terminal deletion lands in Unpaid instead.
	tn2 := &tenant.Tenant{ID: "ten_2", State: tenant.StatePastDue}
	err = m.Apply(tn2, Event{Type: EventCancelled, OccurredAt: t0, Terminal: true})
	require.NoError(t, err)
	assert.Equal(t, tenant.StateUnpaid, tn2.State)
}

func newService(t *testing.T, tn *tenant.Tenant) (*Service, *tenant.MemoryStore) {
	t.Helper()
	tenants := tenant.NewMemoryStore()
	require.NoError(t, tenants.Create(context.Background(), tn))
	svc := NewService(tenants, newMachine(), clock.NewFake(t0), nil)
	return svc, tenants
}

func TestApplyEvent_Idempotent(t *testing.T) {
	svc, tenants := newService(t, &tenant.Tenant{ID: "ten_1", State: tenant.StateActive})

	ev := Event{ID: "evt_1", Type: EventPaymentFailed, OccurredAt: t0}
	require.NoError(t, svc.ApplyEvent(context.Background(), "ten_1", ev))

	got, _ := tenants.Get(context.Background(), "ten_1")
	assert.Equal(t, tenant.StatePastDue, got.State)
	assert.Equal(t, "evt_1", got.LastEventID)

	// Redelivery of the same event is a no-op.
	require.NoError(t, svc.ApplyEvent(context.Background(), "ten_1", ev))
	again, _ := tenants.Get(context.Background(), "ten_1")
	assert.Equal(t, *got.LastEventAt, *again.LastEventAt)
	assert.Equal(t, tenant.StatePastDue, again.State)
}

func TestApplyEvent_OutOfOrderDiscarded(t *testing.T) {
	svc, tenants := newService(t, &tenant.Tenant{ID: "ten_1", State: tenant.StateActive})

	// Cancellation arrives first...
	cancel := Event{ID: "evt_2", Type: EventCancelled, OccurredAt: t0.Add(time.Hour)}
	require.NoError(t, svc.ApplyEvent(context.Background(), "ten_1", cancel))

	// ...then an older payment success shows up late. It must not resurrect
	// the subscription.
	stale := Event{ID: "evt_1", Type: EventPaymentSucceed, OccurredAt: t0}
	require.NoError(t, svc.ApplyEvent(context.Background(), "ten_1", stale))

	got, _ := tenants.Get(context.Background(), "ten_1")
	assert.Equal(t, tenant.StateCancelled, got.State)
	assert.Equal(t, "evt_2", got.LastEventID)
}

// racingReserveStore admits a consult right after every Get, standing in
// for a reservation that lands between the event handler's read and its
// write-back.
type racingReserveStore struct {
	*tenant.MemoryStore
}

func (s *racingReserveStore) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	snap, err := s.MemoryStore.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	err = s.Mutate(ctx, id, func(cur *tenant.Tenant) error {
		cur.ConsultsUsed++
		return nil
	})
	return snap, err
}

func TestApplyEvent_ConcurrentReservationSurvives(t *testing.T) {
	tenants := tenant.NewMemoryStore()
	require.NoError(t, tenants.Create(context.Background(), &tenant.Tenant{
		ID: "ten_1", State: tenant.StatePastDue, Tier: tenant.TierBasic,
		Limits:            tenant.DefaultLimitsForTier(tenant.TierBasic),
		BillingCycleStart: t0.Add(-24 * time.Hour),
		UsagePeriodStart:  t0.Add(-24 * time.Hour),
		ConsultsUsed:      5,
	}))
	svc := NewService(&racingReserveStore{tenants}, newMachine(), clock.NewFake(t0), nil)

	ev := Event{ID: "evt_1", Type: EventPaymentSucceed, OccurredAt: t0}
	require.NoError(t, svc.ApplyEvent(context.Background(), "ten_1", ev))

	got, _ := tenants.Get(context.Background(), "ten_1")
	assert.Equal(t, tenant.StateActive, got.State)
	// The counter only ever moves through the quota path; the lifecycle
	// write-back must not revert the reservation it never saw.
	assert.Equal(t, 6, got.ConsultsUsed)
}

func TestApplyEvent_InvalidTransitionSwallowed(t *testing.T) {
	svc, tenants := newService(t, &tenant.Tenant{ID: "ten_1", State: tenant.StateFree})

	// PaymentFailed cannot apply to a Free tenant; the delivery still
	// succeeds so the provider stops retrying.
	ev := Event{ID: "evt_1", Type: EventPaymentFailed, OccurredAt: t0}
	require.NoError(t, svc.ApplyEvent(context.Background(), "ten_1", ev))

	got, _ := tenants.Get(context.Background(), "ten_1")
	assert.Equal(t, tenant.StateFree, got.State)
	assert.Empty(t, got.LastEventID)
}
