package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tenantColumns = `id, name, state, tier, billing_customer_ref, billing_cycle_start,
	trial_ends_at, past_due_since, cancel_at_period_end, period_ends_at,
	usage_period_start, consults_used, limits, last_event_at, last_event_id,
	created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	limitsJSON, err := json.Marshal(t.Limits)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		t.ID, t.Name, string(t.State), string(t.Tier), nullString(t.BillingCustomerRef),
		t.BillingCycleStart, nullTime(t.TrialEndsAt), nullTime(t.PastDueSince),
		t.CancelAtPeriodEnd, nullTime(t.PeriodEndsAt), t.UsagePeriodStart,
		t.ConsultsUsed, limitsJSON, nullTime(t.LastEventAt), nullString(t.LastEventID),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrRefTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) GetByBillingRef(ctx context.Context, ref string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE billing_customer_ref = $1`, ref))
}

func (p *PostgresStore) Update(ctx context.Context, t *Tenant) error {
	limitsJSON, err := json.Marshal(t.Limits)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET name = $1, state = $2, tier = $3, billing_customer_ref = $4,
			billing_cycle_start = $5, trial_ends_at = $6, past_due_since = $7,
			cancel_at_period_end = $8, period_ends_at = $9, usage_period_start = $10,
			consults_used = $11, limits = $12, last_event_at = $13, last_event_id = $14,
			updated_at = $15
		WHERE id = $16`,
		t.Name, string(t.State), string(t.Tier), nullString(t.BillingCustomerRef),
		t.BillingCycleStart, nullTime(t.TrialEndsAt), nullTime(t.PastDueSince),
		t.CancelAtPeriodEnd, nullTime(t.PeriodEndsAt), t.UsagePeriodStart,
		t.ConsultsUsed, limitsJSON, nullTime(t.LastEventAt), nullString(t.LastEventID),
		t.UpdatedAt, t.ID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrRefTaken
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// UpdateFromEvent writes only the subscription-lifecycle columns. The usage
// counters are owned by the quota store's conditional update; a webhook must
// never write back the possibly stale counters from its own read. The one
// exception is a tier change, which resets the usage period inside this same
// guarded statement (the CASE branches read the pre-update tier column).
func (p *PostgresStore) UpdateFromEvent(ctx context.Context, t *Tenant, occurredAt time.Time) error {
	limitsJSON, err := json.Marshal(t.Limits)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET
			state = $1, tier = $2, limits = $3,
			billing_cycle_start = $4, trial_ends_at = $5, past_due_since = $6,
			cancel_at_period_end = $7, period_ends_at = $8,
			usage_period_start = CASE WHEN tier IS DISTINCT FROM $2 THEN $9 ELSE usage_period_start END,
			consults_used = CASE WHEN tier IS DISTINCT FROM $2 THEN 0 ELSE consults_used END,
			last_event_at = $9, last_event_id = $10, updated_at = $11
		WHERE id = $12 AND (last_event_at IS NULL OR last_event_at < $9)`,
		string(t.State), string(t.Tier), limitsJSON,
		t.BillingCycleStart, nullTime(t.TrialEndsAt), nullTime(t.PastDueSince),
		t.CancelAtPeriodEnd, nullTime(t.PeriodEndsAt),
		occurredAt, nullString(t.LastEventID), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Row exists but a newer event already landed.
		if _, getErr := p.Get(ctx, t.ID); getErr != nil {
			return getErr
		}
		return ErrStaleEvent
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Tenant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tenants []*Tenant
	for rows.Next() {
		t, err := p.scanTenantRows(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanTenant(row *sql.Row) (*Tenant, error) {
	t, err := scanTenantFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	return t, err
}

func (p *PostgresStore) scanTenantRows(rows *sql.Rows) (*Tenant, error) {
	return scanTenantFrom(rows)
}

func scanTenantFrom(row rowScanner) (*Tenant, error) {
	t := &Tenant{}
	var (
		state, tier  string
		billingRef   sql.NullString
		trialEndsAt  sql.NullTime
		pastDueSince sql.NullTime
		periodEndsAt sql.NullTime
		lastEventAt  sql.NullTime
		lastEventID  sql.NullString
		limitsJSON   []byte
	)
	err := row.Scan(&t.ID, &t.Name, &state, &tier, &billingRef, &t.BillingCycleStart,
		&trialEndsAt, &pastDueSince, &t.CancelAtPeriodEnd, &periodEndsAt,
		&t.UsagePeriodStart, &t.ConsultsUsed, &limitsJSON, &lastEventAt, &lastEventID,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.State = SubscriptionState(state)
	t.Tier = Tier(tier)
	if billingRef.Valid {
		t.BillingCustomerRef = billingRef.String
	}
	t.TrialEndsAt = timePtr(trialEndsAt)
	t.PastDueSince = timePtr(pastDueSince)
	t.PeriodEndsAt = timePtr(periodEndsAt)
	t.LastEventAt = timePtr(lastEventAt)
	if lastEventID.Valid {
		t.LastEventID = lastEventID.String
	}
	if len(limitsJSON) > 0 {
		_ = json.Unmarshal(limitsJSON, &t.Limits)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// Migrate creates the tenants table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenants (
			id                   TEXT PRIMARY KEY,
			name                 TEXT NOT NULL,
			state                TEXT NOT NULL DEFAULT 'free',
			tier                 TEXT NOT NULL DEFAULT 'none',
			billing_customer_ref TEXT,
			billing_cycle_start  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			trial_ends_at        TIMESTAMPTZ,
			past_due_since       TIMESTAMPTZ,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
			period_ends_at       TIMESTAMPTZ,
			usage_period_start   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			consults_used        INTEGER NOT NULL DEFAULT 0 CHECK (consults_used >= 0),
			limits               JSONB NOT NULL DEFAULT '{}',
			last_event_at        TIMESTAMPTZ,
			last_event_id        TEXT,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_tenants_billing_ref
			ON tenants(billing_customer_ref) WHERE billing_customer_ref IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_tenants_state ON tenants(state);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
