// Package device admits client devices against a per-tenant cap.
//
// Sessions are never deleted: revocation is a soft flag, and devices idle
// for longer than the activity window simply stop counting toward the cap.
// Existing devices are always re-admitted; only new fingerprints are gated.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/mbaier/clinicgate/internal/clock"
	"github.com/mbaier/clinicgate/internal/entitlement"
	"github.com/mbaier/clinicgate/internal/idgen"
	"github.com/mbaier/clinicgate/internal/logging"
	"github.com/mbaier/clinicgate/internal/metrics"
	"github.com/mbaier/clinicgate/internal/tenant"
)

// Errors
var (
	ErrSessionNotFound = errors.New("device: session not found")
)

// Session is one (tenant, fingerprint) device registration.
type Session struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	Fingerprint  string    `json:"fingerprint"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Revoked      bool      `json:"revoked"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists device sessions.
type Store interface {
	// Refresh bumps last_active_at on the live (non-revoked) row for the
	// fingerprint and returns it; found is false when no live row exists.
	Refresh(ctx context.Context, tenantID, fingerprint string, now time.Time) (sess *Session, found bool, err error)

	// InsertIfUnder inserts sess only while the tenant has fewer than max
	// live sessions active since activeSince; max 0 means unlimited. When
	// the guard fails, current reports the active count for display.
	InsertIfUnder(ctx context.Context, sess *Session, activeSince time.Time, max int) (inserted bool, current int, err error)

	// List returns all sessions for the tenant, live and revoked.
	List(ctx context.Context, tenantID string) ([]*Session, error)

	// Revoke soft-flags a session. ErrSessionNotFound if no such live row.
	Revoke(ctx context.Context, tenantID, sessionID string) error

	// CountActive counts live sessions active since activeSince.
	CountActive(ctx context.Context, tenantID string, activeSince time.Time) (int, error)
}

// Admission is the outcome of an admit attempt.
type Admission struct {
	Admitted       bool     `json:"admitted"`
	Existing       bool     `json:"existing"`
	Reason         string   `json:"reason,omitempty"`
	Session        *Session `json:"session,omitempty"`
	CurrentDevices int      `json:"currentDevices"`
	MaxDevices     int      `json:"maxDevices"` // 0 = unlimited
}

// Publisher receives admission events for live dashboards. May be nil.
type Publisher interface {
	Publish(event, tenantID string, payload any)
}

// Controller drives device admissions.
type Controller struct {
	tenants tenant.Store
	store   Store
	clk     clock.Clock
	window  time.Duration
	pub     Publisher
}

// NewController creates a device admission controller. window is the rolling
// activity window within which a device counts toward the cap.
func NewController(tenants tenant.Store, store Store, clk clock.Clock, window time.Duration, pub Publisher) *Controller {
	return &Controller{tenants: tenants, store: store, clk: clk, window: window, pub: pub}
}

// Admit registers or refreshes a device for the tenant. Denial is a value;
// an error means the attempt could not be made (callers fail closed).
func (c *Controller) Admit(ctx context.Context, tenantID, fingerprint string) (Admission, error) {
	now := c.clk.Now()

	// Existing devices are never blocked by the cap.
	sess, found, err := c.store.Refresh(ctx, tenantID, fingerprint, now)
	if err != nil {
		metrics.DeviceAdmissionsTotal.WithLabelValues("error").Inc()
		return Admission{}, err
	}
	if found {
		metrics.DeviceAdmissionsTotal.WithLabelValues("existing").Inc()
		return Admission{Admitted: true, Existing: true, Session: sess}, nil
	}

	t, err := c.tenants.Get(ctx, tenantID)
	if err != nil {
		metrics.DeviceAdmissionsTotal.WithLabelValues("error").Inc()
		return Admission{}, err
	}
	max := t.Limits.MaxDevices

	sess = &Session{
		ID:           idgen.WithPrefix("dev_"),
		TenantID:     tenantID,
		Fingerprint:  fingerprint,
		LastActiveAt: now,
		CreatedAt:    now,
	}
	activeSince := now.Add(-c.window)

	inserted, current, err := c.store.InsertIfUnder(ctx, sess, activeSince, max)
	if err != nil {
		metrics.DeviceAdmissionsTotal.WithLabelValues("error").Inc()
		return Admission{}, err
	}
	if !inserted {
		// Two first-contact requests for the same fingerprint can race;
		// the loser of the unique index sees the winner's row here.
		if sess2, found2, err2 := c.store.Refresh(ctx, tenantID, fingerprint, now); err2 == nil && found2 {
			metrics.DeviceAdmissionsTotal.WithLabelValues("existing").Inc()
			return Admission{Admitted: true, Existing: true, Session: sess2}, nil
		}
		metrics.DeviceAdmissionsTotal.WithLabelValues("denied").Inc()
		return Admission{
			Reason:         entitlement.ReasonDeviceLimitReached,
			CurrentDevices: current,
			MaxDevices:     max,
		}, nil
	}

	metrics.DeviceAdmissionsTotal.WithLabelValues("new").Inc()
	if c.pub != nil {
		c.pub.Publish("device.admitted", tenantID, map[string]any{
			"sessionId": sess.ID, "fingerprint": fingerprint,
		})
	}
	logging.L(ctx).Info("device admitted",
		"tenant_id", tenantID, "session_id", sess.ID)
	return Admission{Admitted: true, Session: sess, MaxDevices: max}, nil
}

// List returns the tenant's sessions.
func (c *Controller) List(ctx context.Context, tenantID string) ([]*Session, error) {
	return c.store.List(ctx, tenantID)
}

// Revoke soft-revokes a session, freeing its cap slot immediately.
func (c *Controller) Revoke(ctx context.Context, tenantID, sessionID string) error {
	return c.store.Revoke(ctx, tenantID, sessionID)
}

// ActiveCount reports how many devices currently count toward the cap.
func (c *Controller) ActiveCount(ctx context.Context, tenantID string) (int, error) {
	return c.store.CountActive(ctx, tenantID, c.clk.Now().Add(-c.window))
}
