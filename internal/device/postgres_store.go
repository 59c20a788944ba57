package device

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists device sessions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed device store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Refresh(ctx context.Context, tenantID, fingerprint string, now time.Time) (*Session, bool, error) {
	sess := &Session{}
	err := p.db.QueryRowContext(ctx, `
		UPDATE device_sessions SET last_active_at = $3
		WHERE tenant_id = $1 AND fingerprint = $2 AND revoked = FALSE
		RETURNING id, tenant_id, fingerprint, last_active_at, revoked, created_at`,
		tenantID, fingerprint, now,
	).Scan(&sess.ID, &sess.TenantID, &sess.Fingerprint, &sess.LastActiveAt, &sess.Revoked, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// InsertIfUnder inserts only while the live active count stays under max.
// The count and the insert run as one statement, and the partial unique
// index settles same-fingerprint races. Two first contacts with different
// fingerprints can still each read a count under max and both land under
// READ COMMITTED; the device cap tolerates that one-statement window.
func (p *PostgresStore) InsertIfUnder(ctx context.Context, sess *Session, activeSince time.Time, max int) (bool, int, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO device_sessions (id, tenant_id, fingerprint, last_active_at, revoked, created_at)
		SELECT $1, $2, $3, $4, FALSE, $5
		WHERE $6 = 0 OR (
			SELECT COUNT(*) FROM device_sessions
			WHERE tenant_id = $2 AND revoked = FALSE AND last_active_at >= $7
		) < $6`,
		sess.ID, sess.TenantID, sess.Fingerprint, sess.LastActiveAt, sess.CreatedAt,
		max, activeSince,
	)
	if err != nil {
		// Lost a same-fingerprint race; the caller re-reads the winner's row.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return false, 0, nil
		}
		return false, 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, 0, err
	}
	if rows == 0 {
		current, err := p.CountActive(ctx, sess.TenantID, activeSince)
		if err != nil {
			return false, 0, err
		}
		return false, current, nil
	}
	return true, 0, nil
}

func (p *PostgresStore) List(ctx context.Context, tenantID string) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, fingerprint, last_active_at, revoked, created_at
		FROM device_sessions WHERE tenant_id = $1
		ORDER BY last_active_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(&sess.ID, &sess.TenantID, &sess.Fingerprint,
			&sess.LastActiveAt, &sess.Revoked, &sess.CreatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (p *PostgresStore) Revoke(ctx context.Context, tenantID, sessionID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE device_sessions SET revoked = TRUE
		WHERE tenant_id = $1 AND id = $2 AND revoked = FALSE`,
		tenantID, sessionID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) CountActive(ctx context.Context, tenantID string, activeSince time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM device_sessions
		WHERE tenant_id = $1 AND revoked = FALSE AND last_active_at >= $2`,
		tenantID, activeSince).Scan(&count)
	return count, err
}

// Migrate creates the device_sessions table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS device_sessions (
			id             TEXT PRIMARY KEY,
			tenant_id      TEXT NOT NULL,
			fingerprint    TEXT NOT NULL,
			last_active_at TIMESTAMPTZ NOT NULL,
			revoked        BOOLEAN NOT NULL DEFAULT FALSE,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_device_sessions_live
			ON device_sessions(tenant_id, fingerprint) WHERE NOT revoked;
		CREATE INDEX IF NOT EXISTS idx_device_sessions_activity
			ON device_sessions(tenant_id, last_active_at) WHERE NOT revoked;
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
