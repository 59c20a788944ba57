package subscription

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbaier/clinicgate/internal/logging"
	"github.com/mbaier/clinicgate/internal/metrics"
	"github.com/mbaier/clinicgate/internal/tenant"
)

const webhookBodyLimit = 1 << 20 // 1 MiB

// Handler is the billing webhook ingress. It verifies the provider
// signature, maps provider events onto the internal event set, resolves the
// customer ref to a tenant, and hands the normalized event to the service.
type Handler struct {
	secret  string
	tenants tenant.Store
	svc     *Service
}

// NewHandler creates a webhook handler.
func NewHandler(secret string, tenants tenant.Store, svc *Service) *Handler {
	return &Handler{secret: secret, tenants: tenants, svc: svc}
}

// RegisterRoutes sets up the public webhook route. No API key auth; the
// Stripe signature is the authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/billing/webhook", h.Webhook)
}

// Webhook handles POST /v1/billing/webhook
func (h *Handler) Webhook(c *gin.Context) {
	if strings.TrimSpace(h.secret) == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "webhook secret not configured"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, webhookBodyLimit)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "failed to read request body"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.BillingEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "invalid Stripe signature"})
		return
	}

	log := logging.L(c.Request.Context()).With("stripe_event_id", event.ID, "stripe_event_type", string(event.Type))

	customerRef, ev, ok := h.mapEvent(&event)
	if !ok {
		log.Debug("stripe event ignored (unhandled type)")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	t, err := h.tenants.GetByBillingRef(c.Request.Context(), customerRef)
	if err != nil {
		if err == tenant.ErrTenantNotFound {
			// Unknown customer; retrying will not help, acknowledge it.
			log.Warn("stripe event for unknown customer", "customer_ref", customerRef)
			metrics.BillingEventsTotal.WithLabelValues(string(ev.Type), "unknown_customer").Inc()
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "lookup failed"})
		return
	}

	if err := h.svc.ApplyEvent(c.Request.Context(), t.ID, ev); err != nil {
		log.Error("stripe event processing failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// mapEvent converts a verified Stripe event into the internal event set.
// ok is false for event types this service does not consume.
func (h *Handler) mapEvent(event *stripe.Event) (customerRef string, ev Event, ok bool) {
	occurredAt := time.Unix(event.Created, 0).UTC()
	ev = Event{ID: event.ID, OccurredAt: occurredAt}

	switch event.Type {
	case "checkout.session.completed":
		var session checkoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return "", Event{}, false
		}
		ev.Type = EventPaymentSucceed
		ev.Tier = tierFromMetadata(session.Metadata)
		return session.Customer, ev, session.Customer != ""

	case "invoice.payment_succeeded":
		var inv invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return "", Event{}, false
		}
		ev.Type = EventPaymentSucceed
		return inv.Customer, ev, inv.Customer != ""

	case "invoice.payment_failed":
		var inv invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return "", Event{}, false
		}
		ev.Type = EventPaymentFailed
		return inv.Customer, ev, inv.Customer != ""

	case "invoice.marked_uncollectible":
		var inv invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return "", Event{}, false
		}
		ev.Type = EventPaymentFailed
		ev.Terminal = true
		return inv.Customer, ev, inv.Customer != ""

	case "customer.subscription.updated":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", Event{}, false
		}
		switch sub.Status {
		case "past_due":
			ev.Type = EventPaymentFailed
		case "active", "trialing":
			if sub.CancelAtPeriodEnd {
				ev.Type = EventCancelled
				ev.CancelAtPeriodEnd = true
				if sub.CurrentPeriodEnd > 0 {
					end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
					ev.PeriodEndsAt = &end
				}
			} else {
				ev.Type = EventPaymentSucceed
				ev.Tier = sub.tier()
			}
		default:
			return "", Event{}, false
		}
		return sub.Customer, ev, sub.Customer != ""

	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", Event{}, false
		}
		ev.Type = EventCancelled
		// "unpaid" here is the provider's terminal gave-up signal.
		ev.Terminal = sub.Status == "unpaid"
		if sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			ev.PeriodEndsAt = &end
		}
		return sub.Customer, ev, sub.Customer != ""
	}

	return "", Event{}, false
}

// checkoutSession is the minimal slice of a checkout.session event payload.
type checkoutSession struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

// invoice is the minimal slice of an invoice event payload.
type invoice struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

// stripeSubscription is the minimal slice of a subscription event payload.
type stripeSubscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	Items             struct {
		Data []struct {
			Price struct {
				ID       string            `json:"id"`
				Metadata map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s stripeSubscription) tier() tenant.Tier {
	for _, item := range s.Items.Data {
		if t := tierFromMetadata(item.Price.Metadata); t != "" {
			return t
		}
	}
	return ""
}

// tierFromMetadata reads the tier from Stripe price/session metadata; prices
// are tagged with tier=basic|professional|enterprise in the dashboard.
func tierFromMetadata(md map[string]string) tenant.Tier {
	t := tenant.Tier(strings.ToLower(md["tier"]))
	if tenant.ValidTier(t) && t != tenant.TierNone {
		return t
	}
	return ""
}
