// Package store is the durable Postgres-backed persistence layer. Methods
// serving tenant-facing requests take an explicit tenantID and include it in
// the query predicate; this is the repository wrapper spec.md §9 calls for as
// the RLS-equivalent isolation backstop, on top of the database's own
// row-level security policies
// (internal/platform/migrations/0006_row_level_security.sql). Methods used by
// ingest, the downlink dispatcher and the scheduler (lookups by EUI or
// envelope ID, reservation expiry, retention purges) take no tenantID and
// span all tenants.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/infrastructure/logging"
)

// DB is the shared handle passed to every repository constructor.
type DB struct {
	*sqlx.DB
	logger *logging.Logger
}

// Open connects to Postgres at dsn. Use Wrap for an already-open *sqlx.DB.
func Open(dsn string, logger *logging.Logger) (*DB, error) {
	conn, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &DB{DB: conn, logger: logger}, nil
}

// Wrap adapts an already-open sqlx.DB, e.g. one opened via
// internal/platform/database.Open and wrapped with sqlx.NewDb.
func Wrap(conn *sqlx.DB, logger *logging.Logger) *DB {
	return &DB{DB: conn, logger: logger}
}

// WithTenant runs fn inside a transaction with the session's
// app.current_tenant_id set, so Postgres RLS policies apply even if a query
// forgets an explicit tenant_id predicate.
func (d *DB) WithTenant(ctx context.Context, tenantID string, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT set_config('app.current_tenant_id', $1, true)", tenantID); err != nil {
		return errors.DatabaseError("set tenant context", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.DatabaseError("commit tx", err)
	}
	return nil
}

// WithPlatformAdmin runs fn inside a transaction flagged to bypass
// per-tenant RLS for platform-admin operations that legitimately span
// tenants (e.g. orphan-device assignment, tenant archival).
func (d *DB) WithPlatformAdmin(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT set_config('app.is_platform_admin', 'true', true)"); err != nil {
		return errors.DatabaseError("set platform admin context", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505) or exclusion_violation (23P01), the two conflict codes
// the ingest and reservation paths race on.
func isUniqueViolation(err error) bool {
	return pqErrorCode(err) == "23505" || pqErrorCode(err) == "23P01"
}
