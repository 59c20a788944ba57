package quota

import (
	"context"
	"database/sql"
	"time"

	"github.com/mbaier/clinicgate/internal/tenant"
)

// PostgresStore runs the compare-and-increment against the tenants table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed quota store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Reserve performs the reset-and-increment as one conditional UPDATE. Zero
// rows affected with an existing tenant means the cap was reached; the
// follow-up read reports the period-normalized counter for display.
func (p *PostgresStore) Reserve(ctx context.Context, tenantID string, periodStart time.Time, cap int) (int, bool, error) {
	var used int
	err := p.db.QueryRowContext(ctx, `
		UPDATE tenants SET
			consults_used = CASE WHEN usage_period_start < $2 THEN 1 ELSE consults_used + 1 END,
			usage_period_start = CASE WHEN usage_period_start < $2 THEN $2 ELSE usage_period_start END,
			updated_at = NOW()
		WHERE id = $1
		  AND (CASE WHEN usage_period_start < $2 THEN 0 ELSE consults_used END) < $3
		RETURNING consults_used`,
		tenantID, periodStart, cap,
	).Scan(&used)
	if err == nil {
		return used, true, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, err
	}

	// Rejected or missing; report current usage for the denial payload.
	var periodUsed int
	err = p.db.QueryRowContext(ctx, `
		SELECT CASE WHEN usage_period_start < $2 THEN 0 ELSE consults_used END
		FROM tenants WHERE id = $1`, tenantID, periodStart).Scan(&periodUsed)
	if err == sql.ErrNoRows {
		return 0, false, tenant.ErrTenantNotFound
	}
	if err != nil {
		return 0, false, err
	}
	return periodUsed, false, nil
}

var _ Store = (*PostgresStore)(nil)
