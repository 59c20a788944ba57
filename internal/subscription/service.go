package subscription

import (
	"context"
	"errors"

	"github.com/mbaier/clinicgate/internal/clock"
	"github.com/mbaier/clinicgate/internal/logging"
	"github.com/mbaier/clinicgate/internal/metrics"
	"github.com/mbaier/clinicgate/internal/tenant"
	"github.com/mbaier/clinicgate/internal/traces"
)

// Publisher receives subscription events for live dashboards. May be nil.
type Publisher interface {
	Publish(event, tenantID string, payload any)
}

// Service applies normalized billing events with at-least-once delivery
// protection: an event at or before the tenant's last applied event is
// discarded with a log line, never an error.
type Service struct {
	tenants tenant.Store
	machine Machine
	clk     clock.Clock
	pub     Publisher
}

// NewService creates a subscription service. pub may be nil.
func NewService(tenants tenant.Store, machine Machine, clk clock.Clock, pub Publisher) *Service {
	return &Service{tenants: tenants, machine: machine, clk: clk, pub: pub}
}

// ApplyEvent loads the tenant, applies the event, and persists the result
// guarded by the event timestamp. Duplicate, stale, and state-invalid events
// are swallowed after logging so the provider does not retry them forever.
func (s *Service) ApplyEvent(ctx context.Context, tenantID string, ev Event) error {
	ctx, span := traces.StartSpan(ctx, "subscription.apply",
		traces.TenantID(tenantID), traces.EventType(string(ev.Type)))
	defer span.End()

	log := logging.L(ctx).With("tenant_id", tenantID, "event_id", ev.ID, "event_type", string(ev.Type))

	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		metrics.BillingEventsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		return err
	}

	if t.LastEventAt != nil && !ev.OccurredAt.After(*t.LastEventAt) {
		log.Info("billing event discarded as stale",
			"occurred_at", ev.OccurredAt, "last_event_at", *t.LastEventAt)
		metrics.BillingEventsTotal.WithLabelValues(string(ev.Type), "discarded").Inc()
		return nil
	}

	cp := *t
	if err := s.machine.Apply(&cp, ev); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			log.Warn("billing event does not apply", "state", string(t.State), "err", err)
			metrics.BillingEventsTotal.WithLabelValues(string(ev.Type), "invalid").Inc()
			return nil
		}
		metrics.BillingEventsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		return err
	}

	occurredAt := ev.OccurredAt
	cp.LastEventAt = &occurredAt
	cp.LastEventID = ev.ID
	cp.UpdatedAt = s.clk.Now()

	if err := s.tenants.UpdateFromEvent(ctx, &cp, ev.OccurredAt); err != nil {
		if errors.Is(err, tenant.ErrStaleEvent) {
			// A concurrent delivery won the guard.
			log.Info("billing event lost the idempotency race, discarded")
			metrics.BillingEventsTotal.WithLabelValues(string(ev.Type), "discarded").Inc()
			return nil
		}
		metrics.BillingEventsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		return err
	}

	metrics.BillingEventsTotal.WithLabelValues(string(ev.Type), "applied").Inc()
	log.Info("billing event applied",
		"state", string(cp.State), "tier", string(cp.Tier))

	if s.pub != nil {
		s.pub.Publish("subscription.updated", tenantID, map[string]any{
			"state": cp.State, "tier": cp.Tier, "eventType": ev.Type,
		})
	}
	return nil
}
