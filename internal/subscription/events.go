// Package subscription applies billing lifecycle events to tenants.
//
// The state machine is closed: Free → Trial → {Active, Cancelled};
// Active ⇄ PastDue → Unpaid; any state → Cancelled on explicit cancellation.
// Unpaid and Cancelled are terminal until a new payment returns the tenant
// to Active. Time-driven conditions (trial expiry, grace exhaustion,
// period end) are never applied here; the entitlement resolver derives them
// at read time from the anchor timestamps.
package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbaier/clinicgate/internal/tenant"
)

// ErrInvalidTransition marks an event that does not apply in the tenant's
// current state. Callers log and discard; it never fails a webhook delivery.
var ErrInvalidTransition = errors.New("subscription: invalid transition")

// EventType is the internal billing event set.
type EventType string

const (
	EventSignupStarted  EventType = "signup_started"
	EventPaymentSucceed EventType = "payment_succeeded"
	EventPaymentFailed  EventType = "payment_failed"
	EventCancelled      EventType = "subscription_cancelled"
)

// Event is one normalized billing event, mapped from the provider's payload.
type Event struct {
	ID         string
	Type       EventType
	OccurredAt time.Time

	// Tier carries the purchased tier for payment events; empty keeps the
	// tenant's current tier.
	Tier tenant.Tier

	// CancelAtPeriodEnd / PeriodEndsAt describe a scheduled cancellation.
	CancelAtPeriodEnd bool
	PeriodEndsAt      *time.Time

	// Terminal marks the provider's gave-up signal: a terminal payment
	// failure or a subscription deleted as unpaid. Only terminal events
	// ever produce the Unpaid state.
	Terminal bool
}

// Machine applies events to tenant snapshots. Pure: it mutates only the
// snapshot it is given.
type Machine struct {
	TrialLength time.Duration
}

// Apply transitions the snapshot per the event. The tenant's idempotency
// anchors (LastEventAt/LastEventID) are the caller's responsibility.
func (m Machine) Apply(t *tenant.Tenant, ev Event) error {
	switch ev.Type {
	case EventSignupStarted:
		if t.State != tenant.StateFree {
			return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev.Type, t.State)
		}
		trialEnds := ev.OccurredAt.Add(m.TrialLength)
		t.State = tenant.StateTrial
		t.TrialEndsAt = &trialEnds
		if ev.Tier != "" {
			m.setTier(t, ev.Tier, ev.OccurredAt)
		}
		return nil

	case EventPaymentSucceed:
		t.State = tenant.StateActive
		t.TrialEndsAt = nil
		t.PastDueSince = nil
		t.CancelAtPeriodEnd = false
		t.PeriodEndsAt = nil
		if ev.Tier != "" {
			m.setTier(t, ev.Tier, ev.OccurredAt)
		}
		return nil

	case EventPaymentFailed:
		if ev.Terminal {
			if t.State != tenant.StateActive && t.State != tenant.StatePastDue {
				return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev.Type, t.State)
			}
			t.State = tenant.StateUnpaid
			return nil
		}
		if t.State == tenant.StatePastDue {
			// Repeat failures never advance the grace anchor.
			return nil
		}
		if t.State != tenant.StateActive {
			return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev.Type, t.State)
		}
		since := ev.OccurredAt
		t.State = tenant.StatePastDue
		t.PastDueSince = &since
		return nil

	case EventCancelled:
		if ev.Terminal {
			t.State = tenant.StateUnpaid
			return nil
		}
		t.State = tenant.StateCancelled
		t.TrialEndsAt = nil
		t.PastDueSince = nil
		t.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
		t.PeriodEndsAt = ev.PeriodEndsAt
		return nil
	}
	return fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev.Type)
}

// setTier snapshots the tier's limits and, on an actual tier change, resets
// the billing anchor and the usage period.
func (m Machine) setTier(t *tenant.Tenant, tier tenant.Tier, at time.Time) {
	if t.Tier == tier {
		return
	}
	t.Tier = tier
	t.Limits = tenant.DefaultLimitsForTier(tier)
	t.BillingCycleStart = at
	t.UsagePeriodStart = at
	t.ConsultsUsed = 0
}
