package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/internal/domain"
)

// PolicyStore manages the single active display policy per tenant and
// admin overrides forcing MAINTENANCE.
type PolicyStore struct{ db *DB }

func NewPolicyStore(db *DB) *PolicyStore { return &PolicyStore{db: db} }

type policyRow struct {
	ID                string    `db:"id"`
	TenantID          string    `db:"tenant_id"`
	Active            bool      `db:"active"`
	FreeRGB           string    `db:"free_rgb"`
	OccupiedRGB       string    `db:"occupied_rgb"`
	ReservedRGB       string    `db:"reserved_rgb"`
	ReservedSoonRGB   string    `db:"reserved_soon_rgb"`
	ReservedSoonBlink bool      `db:"reserved_soon_blink"`
	BlockedRGB        string    `db:"blocked_rgb"`
	OutOfServiceRGB   string    `db:"out_of_service_rgb"`
	ReservedSoonSec   int       `db:"reserved_soon_sec"`
	DebounceWindowSec int       `db:"debounce_window_sec"`
	UnknownTimeoutSec int       `db:"unknown_timeout_sec"`
	CreatedAt         time.Time `db:"created_at"`
}

func (r policyRow) toDomain() *domain.DisplayPolicy {
	return &domain.DisplayPolicy{
		ID: r.ID, TenantID: r.TenantID, Active: r.Active, FreeRGB: r.FreeRGB,
		OccupiedRGB: r.OccupiedRGB, ReservedRGB: r.ReservedRGB, ReservedSoonRGB: r.ReservedSoonRGB,
		ReservedSoonBlink: r.ReservedSoonBlink, BlockedRGB: r.BlockedRGB, OutOfServiceRGB: r.OutOfServiceRGB,
		ReservedSoonSec: r.ReservedSoonSec, DebounceWindowSec: r.DebounceWindowSec, UnknownTimeoutSec: r.UnknownTimeoutSec,
		CreatedAt: r.CreatedAt,
	}
}

// Active returns the tenant's single active policy, or the documented
// defaults if none has been configured yet.
func (s *PolicyStore) Active(ctx context.Context, tenantID string) (*domain.DisplayPolicy, error) {
	var row policyRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM display_policies WHERE tenant_id = $1 AND active = true`, tenantID)
	if err == sql.ErrNoRows {
		return domain.DefaultPolicy(tenantID), nil
	}
	if err != nil {
		return nil, errors.DatabaseError("active policy", err)
	}
	return row.toDomain(), nil
}

// Replace atomically swaps the active policy: spec.md §4.3 requires a policy
// is never partially applied, so the prior active row is deactivated in the
// same transaction as the new row's insert.
func (s *PolicyStore) Replace(ctx context.Context, p *domain.DisplayPolicy) (*domain.DisplayPolicy, error) {
	var newID string
	err := s.db.WithTenant(ctx, p.TenantID, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE display_policies SET active = false WHERE tenant_id = $1 AND active = true`, p.TenantID); err != nil {
			return errors.DatabaseError("deactivate policy", err)
		}
		return tx.QueryRowxContext(ctx, `
			INSERT INTO display_policies (tenant_id, active, free_rgb, occupied_rgb, reserved_rgb, reserved_soon_rgb, reserved_soon_blink, blocked_rgb, out_of_service_rgb, reserved_soon_sec, debounce_window_sec, unknown_timeout_sec)
			VALUES ($1,true,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
			p.TenantID, p.FreeRGB, p.OccupiedRGB, p.ReservedRGB, p.ReservedSoonRGB, p.ReservedSoonBlink, p.BlockedRGB, p.OutOfServiceRGB,
			p.ReservedSoonSec, p.DebounceWindowSec, p.UnknownTimeoutSec,
		).Scan(&newID)
	})
	if err != nil {
		return nil, err
	}
	return s.Active(ctx, p.TenantID)
}

type overrideRow struct {
	ID        string         `db:"id"`
	TenantID  string         `db:"tenant_id"`
	SpaceID   string         `db:"space_id"`
	Reason    string         `db:"reason"`
	StartsAt  time.Time      `db:"starts_at"`
	EndsAt    sql.NullTime   `db:"ends_at"`
	CreatedBy sql.NullString `db:"created_by"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r overrideRow) toDomain() *domain.AdminOverride {
	o := &domain.AdminOverride{
		ID: r.ID, TenantID: r.TenantID, SpaceID: r.SpaceID, Reason: domain.OverrideReason(r.Reason),
		StartsAt: r.StartsAt, CreatedAt: r.CreatedAt,
	}
	if r.EndsAt.Valid {
		o.EndsAt = &r.EndsAt.Time
	}
	if r.CreatedBy.Valid {
		o.CreatedBy = &r.CreatedBy.String
	}
	return o
}

// ActiveOverride returns the current override for a space, if any (there is
// at most one open override per space, enforced by application logic — set
// EndsAt when creating a new one to supersede an existing open override).
func (s *PolicyStore) ActiveOverride(ctx context.Context, tenantID, spaceID string, now time.Time) (*domain.AdminOverride, error) {
	var rows []overrideRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM admin_overrides WHERE tenant_id = $1 AND space_id = $2
		AND starts_at <= $3 AND (ends_at IS NULL OR ends_at > $3)
		ORDER BY created_at DESC`, tenantID, spaceID, now)
	if err != nil {
		return nil, errors.DatabaseError("active override", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toDomain(), nil
}

// SetOverride closes any open override for the space and inserts a new one,
// or clears overrides entirely when reason is empty.
func (s *PolicyStore) SetOverride(ctx context.Context, tenantID, spaceID string, reason domain.OverrideReason, endsAt *time.Time, createdBy *string) (*domain.AdminOverride, error) {
	var result *domain.AdminOverride
	err := s.db.WithTenant(ctx, tenantID, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE admin_overrides SET ends_at = now() WHERE tenant_id = $1 AND space_id = $2 AND ends_at IS NULL`,
			tenantID, spaceID); err != nil {
			return errors.DatabaseError("close prior override", err)
		}
		if reason == "" {
			return nil
		}
		var row overrideRow
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO admin_overrides (tenant_id, space_id, reason, ends_at, created_by)
			VALUES ($1,$2,$3,$4,$5) RETURNING id, tenant_id, space_id, reason, starts_at, ends_at, created_by, created_at`,
			tenantID, spaceID, string(reason), endsAt, createdBy,
		).StructScan(&row)
		if err != nil {
			return errors.DatabaseError("insert override", err)
		}
		result = row.toDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
