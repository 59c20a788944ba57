// Package quota enforces per-tenant consult caps with a monthly lazy reset.
//
// Reservations are linearized by the store: a single conditional update
// performs the period reset and the increment together, so the counter never
// exceeds the cap no matter how many requests race, in-process or across
// replicas.
package quota

import (
	"context"
	"time"

	"github.com/mbaier/clinicgate/internal/clock"
	"github.com/mbaier/clinicgate/internal/entitlement"
	"github.com/mbaier/clinicgate/internal/logging"
	"github.com/mbaier/clinicgate/internal/metrics"
	"github.com/mbaier/clinicgate/internal/tenant"
)

// Store performs the atomic compare-and-increment for one tenant.
type Store interface {
	// Reserve increments the tenant's usage counter if it is below cap,
	// resetting a stale period first, all in one atomic step. periodStart is
	// the current usage period boundary. The returned used is the counter
	// after the attempt (unchanged on rejection), already normalized to the
	// current period.
	Reserve(ctx context.Context, tenantID string, periodStart time.Time, cap int) (used int, admitted bool, err error)
}

// Publisher receives usage events for live dashboards. May be nil.
type Publisher interface {
	Publish(event, tenantID string, payload any)
}

// Reservation is the outcome of a reserve attempt.
type Reservation struct {
	Admitted    bool      `json:"admitted"`
	Reason      string    `json:"reason,omitempty"`
	Used        int       `json:"used"`
	Cap         int       `json:"cap"`
	Unlimited   bool      `json:"unlimited"`
	Remaining   int       `json:"remaining"`
	PeriodStart time.Time `json:"periodStart"`
	NextResetAt time.Time `json:"nextResetAt"`
}

// Manager drives consult reservations.
type Manager struct {
	tenants tenant.Store
	store   Store
	clk     clock.Clock
	grace   time.Duration
	pub     Publisher
}

// NewManager creates a quota manager. pub may be nil.
func NewManager(tenants tenant.Store, store Store, clk clock.Clock, grace time.Duration, pub Publisher) *Manager {
	return &Manager{tenants: tenants, store: store, clk: clk, grace: grace, pub: pub}
}

// Reserve attempts to admit one consult for the tenant. Denial is a value;
// an error means the attempt could not be made (callers fail closed).
func (m *Manager) Reserve(ctx context.Context, tenantID string) (Reservation, error) {
	t, err := m.tenants.Get(ctx, tenantID)
	if err != nil {
		metrics.ConsultReservationsTotal.WithLabelValues("error").Inc()
		return Reservation{}, err
	}

	now := m.clk.Now()
	ent := entitlement.Resolve(t, now, m.grace)

	res := Reservation{
		Used:        ent.ConsultsUsed,
		Cap:         ent.ConsultsCap,
		Unlimited:   ent.Unlimited,
		PeriodStart: ent.PeriodStart,
		NextResetAt: ent.NextResetAt,
	}

	if reason := ent.DenyReason(entitlement.ActionCreateConsult); reason != "" && reason != entitlement.ReasonCapReached {
		// Not-entitled states never reach the counter.
		res.Reason = reason
		metrics.ConsultReservationsTotal.WithLabelValues("denied").Inc()
		return res, nil
	}

	if ent.Unlimited {
		// Unlimited tiers are admitted without touching the counter.
		res.Admitted = true
		metrics.ConsultReservationsTotal.WithLabelValues("admitted").Inc()
		if m.pub != nil {
			m.pub.Publish("consult.reserved", tenantID, map[string]any{
				"used": res.Used, "cap": 0, "unlimited": true,
			})
		}
		return res, nil
	}

	used, admitted, err := m.store.Reserve(ctx, tenantID, ent.PeriodStart, ent.ConsultsCap)
	if err != nil {
		metrics.ConsultReservationsTotal.WithLabelValues("error").Inc()
		return Reservation{}, err
	}

	res.Used = used
	res.Admitted = admitted
	if !admitted {
		res.Reason = entitlement.ReasonCapReached
		metrics.ConsultReservationsTotal.WithLabelValues("denied").Inc()
	} else {
		metrics.ConsultReservationsTotal.WithLabelValues("admitted").Inc()
	}
	if res.Cap > res.Used {
		res.Remaining = res.Cap - res.Used
	}

	if admitted && m.pub != nil {
		m.pub.Publish("consult.reserved", tenantID, map[string]any{
			"used": used, "cap": res.Cap, "unlimited": res.Unlimited,
		})
	}

	logging.L(ctx).Debug("consult reservation",
		"tenant_id", tenantID, "admitted", admitted, "used", used, "cap", res.Cap)
	return res, nil
}
