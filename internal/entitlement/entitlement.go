// Package entitlement computes what a tenant may do right now.
//
// The resolver is a pure function over a tenant snapshot and a timestamp.
// Time-driven conditions (trial expiry, grace exhaustion, post-cancellation
// period end) are derived here from the stored anchor timestamps; nothing in
// this package performs I/O or mutates state.
package entitlement

import (
	"time"

	"github.com/mbaier/clinicgate/internal/tenant"
)

// Action names a gated capability.
type Action string

const (
	ActionCreateConsult     Action = "create_consult"
	ActionUploadDiagnostics Action = "upload_diagnostics"
	ActionAccessAnalytics   Action = "access_analytics"
)

// ValidAction reports whether a is a known action.
func ValidAction(a Action) bool {
	switch a {
	case ActionCreateConsult, ActionUploadDiagnostics, ActionAccessAnalytics:
		return true
	}
	return false
}

// Denial reasons, returned as values, never as errors.
const (
	ReasonCapReached         = "cap_reached"
	ReasonDeviceLimitReached = "device_limit_reached"
	ReasonPaymentBlocked     = "payment_blocked"
	ReasonUpgradeRequired    = "upgrade_required"
	ReasonTenantNotFound     = "tenant_not_found"
	ReasonTransientError     = "transient_error"
)

// Entitlement is the resolved capability set for a tenant at one instant.
// It is never persisted.
type Entitlement struct {
	TenantID string                   `json:"tenantId"`
	State    tenant.SubscriptionState `json:"state"`
	Tier     tenant.Tier              `json:"tier"`

	CanCreateConsult     bool `json:"canCreateConsult"`
	CanUploadDiagnostics bool `json:"canUploadDiagnostics"`
	CanAccessAnalytics   bool `json:"canAccessAnalytics"`
	IsPaymentBlocked     bool `json:"isPaymentBlocked"`
	NeedsUpgrade         bool `json:"needsUpgrade"`
	IsTrialExpired       bool `json:"isTrialExpired"`
	Unlimited            bool `json:"unlimited"`

	ConsultsUsed int       `json:"consultsUsed"`
	ConsultsCap  int       `json:"consultsCap"`
	PeriodStart  time.Time `json:"periodStart"`
	NextResetAt  time.Time `json:"nextResetAt"`

	TrialEndsAt *time.Time `json:"trialEndsAt,omitempty"`
	GraceEndsAt *time.Time `json:"graceEndsAt,omitempty"`
}

// Resolve computes the tenant's entitlement at now. grace is the past-due
// grace period length.
//
// consultsUsed reflects the current usage period: a counter last reset
// before the period boundary reads as zero even though the lazy reset has
// not been persisted yet.
func Resolve(t *tenant.Tenant, now time.Time, grace time.Duration) Entitlement {
	periodStart, nextReset := Period(t.BillingCycleStart, now)

	used := t.ConsultsUsed
	if t.UsagePeriodStart.Before(periodStart) {
		used = 0
	}

	isTrialExpired := t.State == tenant.StateTrial &&
		t.TrialEndsAt != nil && !now.Before(*t.TrialEndsAt)

	var graceEndsAt *time.Time
	if t.State == tenant.StatePastDue && t.PastDueSince != nil {
		g := t.PastDueSince.Add(grace)
		graceEndsAt = &g
	}

	isPaymentBlocked := t.State == tenant.StateUnpaid ||
		(graceEndsAt != nil && !now.Before(*graceEndsAt))

	needsUpgrade := t.State == tenant.StateFree ||
		(t.State == tenant.StateCancelled && (t.PeriodEndsAt == nil || !now.Before(*t.PeriodEndsAt))) ||
		isTrialExpired ||
		(t.CancelAtPeriodEnd && t.PeriodEndsAt != nil && !now.Before(*t.PeriodEndsAt))

	unlimited := t.ConsultsUnlimited()
	cap := t.EffectiveConsultsCap()
	hasReachedCap := !unlimited && used >= cap

	// Cap only; payment and upgrade blocks are reported separately and
	// combined per action by DenyReason.
	canCreate := unlimited || !hasReachedCap

	// Payment and upgrade blocks gate every capability, not just consults:
	// an unpaid clinic keeps nothing, whatever its tier says.
	paidFeatures := !needsUpgrade && !isPaymentBlocked && t.Tier != tenant.TierBasic && t.Tier != tenant.TierNone

	return Entitlement{
		TenantID:             t.ID,
		State:                t.State,
		Tier:                 t.Tier,
		CanCreateConsult:     canCreate,
		CanUploadDiagnostics: paidFeatures,
		CanAccessAnalytics:   paidFeatures,
		IsPaymentBlocked:     isPaymentBlocked,
		NeedsUpgrade:         needsUpgrade,
		IsTrialExpired:       isTrialExpired,
		Unlimited:            unlimited,
		ConsultsUsed:         used,
		ConsultsCap:          cap,
		PeriodStart:          periodStart,
		NextResetAt:          nextReset,
		TrialEndsAt:          t.TrialEndsAt,
		GraceEndsAt:          graceEndsAt,
	}
}

// DenyReason maps a resolved entitlement and action to the denial reason,
// or "" when the action is allowed.
func (e Entitlement) DenyReason(action Action) string {
	switch action {
	case ActionCreateConsult:
		if e.NeedsUpgrade {
			return ReasonUpgradeRequired
		}
		if e.IsPaymentBlocked {
			return ReasonPaymentBlocked
		}
		if !e.CanCreateConsult {
			return ReasonCapReached
		}
	case ActionUploadDiagnostics, ActionAccessAnalytics:
		allowed := e.CanUploadDiagnostics
		if action == ActionAccessAnalytics {
			allowed = e.CanAccessAnalytics
		}
		if allowed {
			return ""
		}
		if e.NeedsUpgrade {
			return ReasonUpgradeRequired
		}
		if e.IsPaymentBlocked {
			return ReasonPaymentBlocked
		}
		return ReasonUpgradeRequired
	}
	return ""
}
