// Package tenant provides the durable per-clinic state for the entitlement core.
package tenant

import (
	"errors"
	"time"
)

// Errors
var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrRefTaken       = errors.New("tenant: billing customer ref already linked")
	ErrStaleEvent     = errors.New("tenant: event older than last applied")
)

// SubscriptionState represents a tenant's subscription lifecycle state.
//
// Time-driven conditions (expired trial, exhausted grace period, period end
// after a cancellation) are derived at read time from the anchor timestamps
// below; they are never stored as states of their own.
type SubscriptionState string

const (
	StateFree      SubscriptionState = "free"
	StateTrial     SubscriptionState = "trial"
	StateActive    SubscriptionState = "active"
	StatePastDue   SubscriptionState = "past_due"
	StateUnpaid    SubscriptionState = "unpaid"
	StateCancelled SubscriptionState = "cancelled"
)

// ValidState returns true if the state is a member of the closed set.
func ValidState(s SubscriptionState) bool {
	switch s {
	case StateFree, StateTrial, StateActive, StatePastDue, StateUnpaid, StateCancelled:
		return true
	}
	return false
}

// Tier identifies the pricing tier.
type Tier string

const (
	TierNone         Tier = "none"
	TierBasic        Tier = "basic"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Limits stores the per-tenant quota configuration, snapshotted from the
// tier catalogue when the tier is assigned. Caps do not apply to the
// enterprise tier, which is unlimited by definition.
type Limits struct {
	ConsultsCap      int `json:"consultsCap"`
	TrialConsultsCap int `json:"trialConsultsCap"`
	MaxDevices       int `json:"maxDevices"` // 0 = unlimited
}

// Tenant represents one clinic using the platform.
type Tenant struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	State              SubscriptionState `json:"state"`
	Tier               Tier              `json:"tier"`
	BillingCustomerRef string            `json:"billingCustomerRef,omitempty"`
	BillingCycleStart  time.Time         `json:"billingCycleStart"`
	TrialEndsAt        *time.Time        `json:"trialEndsAt,omitempty"`
	PastDueSince       *time.Time        `json:"pastDueSince,omitempty"`
	CancelAtPeriodEnd  bool              `json:"cancelAtPeriodEnd"`
	PeriodEndsAt       *time.Time        `json:"periodEndsAt,omitempty"`
	UsagePeriodStart   time.Time         `json:"usagePeriodStart"`
	ConsultsUsed       int               `json:"consultsUsed"`
	Limits             Limits            `json:"limits"`
	LastEventAt        *time.Time        `json:"lastEventAt,omitempty"`
	LastEventID        string            `json:"lastEventId,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// ConsultsUnlimited reports whether the tenant's tier has no consult cap.
func (t *Tenant) ConsultsUnlimited() bool {
	return t.Tier == TierEnterprise
}

// EffectiveConsultsCap returns the cap in force: the trial cap while
// trialing, the tier cap otherwise. Meaningless for unlimited tiers;
// callers check ConsultsUnlimited first.
func (t *Tenant) EffectiveConsultsCap() int {
	if t.State == StateTrial {
		return t.Limits.TrialConsultsCap
	}
	return t.Limits.ConsultsCap
}

// DevicesUnlimited reports whether the tenant's device cap is unlimited.
func (t *Tenant) DevicesUnlimited() bool {
	return t.Limits.MaxDevices == 0
}
