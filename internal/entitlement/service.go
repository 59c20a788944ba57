package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/mbaier/clinicgate/internal/clock"
	"github.com/mbaier/clinicgate/internal/logging"
	"github.com/mbaier/clinicgate/internal/metrics"
	"github.com/mbaier/clinicgate/internal/retry"
	"github.com/mbaier/clinicgate/internal/tenant"
	"github.com/mbaier/clinicgate/internal/traces"
)

// CheckResult is the outcome of a capability check. Denial is a value;
// errors surface only when even the fail-closed answer could not be formed.
type CheckResult struct {
	Allowed     bool         `json:"allowed"`
	Reason      string       `json:"reason,omitempty"`
	Entitlement *Entitlement `json:"entitlement,omitempty"`
}

// Service answers entitlement questions from fresh tenant snapshots.
//
// Store failures fail CLOSED for everything except the read-only analytics
// check, which fails OPEN: blocking a dashboard because the database
// hiccuped helps nobody, while admitting a consult that should have been
// blocked costs real money.
type Service struct {
	tenants tenant.Store
	clk     clock.Clock
	grace   time.Duration
	timeout time.Duration
}

// NewService creates an entitlement check service.
func NewService(tenants tenant.Store, clk clock.Clock, grace, timeout time.Duration) *Service {
	return &Service{tenants: tenants, clk: clk, grace: grace, timeout: timeout}
}

// Snapshot loads the tenant and resolves its full entitlement.
func (s *Service) Snapshot(ctx context.Context, tenantID string) (Entitlement, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	t, err := s.load(ctx, tenantID)
	if err != nil {
		return Entitlement{}, err
	}
	return Resolve(t, s.clk.Now(), s.grace), nil
}

// Check answers whether the tenant may perform the action right now. The
// create-consult answer here is advisory; actually consuming a consult goes
// through the quota manager's reserve operation.
func (s *Service) Check(ctx context.Context, tenantID string, action Action) (CheckResult, error) {
	ctx, span := traces.StartSpan(ctx, "entitlement.check",
		traces.TenantID(tenantID), traces.Action(string(action)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	t, err := s.load(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			metrics.EntitlementChecksTotal.WithLabelValues(string(action), "not_found").Inc()
			return CheckResult{Reason: ReasonTenantNotFound}, nil
		}
		if action == ActionAccessAnalytics {
			logging.L(ctx).Warn("entitlement check failing open",
				"tenant_id", tenantID, "action", string(action), "err", err)
			metrics.EntitlementChecksTotal.WithLabelValues(string(action), "fail_open").Inc()
			return CheckResult{Allowed: true, Reason: ReasonTransientError}, nil
		}
		metrics.EntitlementChecksTotal.WithLabelValues(string(action), "fail_closed").Inc()
		return CheckResult{Reason: ReasonTransientError}, nil
	}

	ent := Resolve(t, s.clk.Now(), s.grace)
	res := CheckResult{Entitlement: &ent}
	if reason := ent.DenyReason(action); reason != "" {
		res.Reason = reason
		metrics.EntitlementChecksTotal.WithLabelValues(string(action), "denied").Inc()
		return res, nil
	}
	res.Allowed = true
	metrics.EntitlementChecksTotal.WithLabelValues(string(action), "allowed").Inc()
	return res, nil
}

// load fetches the tenant with one quick retry for transient store errors.
func (s *Service) load(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	var t *tenant.Tenant
	err := retry.Do(ctx, 2, 25*time.Millisecond, func() error {
		var err error
		t, err = s.tenants.Get(ctx, tenantID)
		if errors.Is(err, tenant.ErrTenantNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	return t, err
}
