package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/internal/domain"
)

// SpaceStore provides tenant-scoped access to sites, spaces, devices, and
// gateways.
type SpaceStore struct{ db *DB }

func NewSpaceStore(db *DB) *SpaceStore { return &SpaceStore{db: db} }

type spaceRow struct {
	ID              string         `db:"id"`
	TenantID        string         `db:"tenant_id"`
	SiteID          string         `db:"site_id"`
	Code            string         `db:"code"`
	SensorDeviceID  sql.NullString `db:"sensor_device_id"`
	DisplayDeviceID sql.NullString `db:"display_device_id"`
	State           string         `db:"state"`
	CreatedAt       time.Time      `db:"created_at"`
	DeletedAt       sql.NullTime   `db:"deleted_at"`
}

func (r spaceRow) toDomain() *domain.Space {
	sp := &domain.Space{
		ID: r.ID, TenantID: r.TenantID, SiteID: r.SiteID, Code: r.Code,
		State: domain.SpaceState(r.State), CreatedAt: r.CreatedAt,
	}
	if r.SensorDeviceID.Valid {
		sp.SensorDeviceID = &r.SensorDeviceID.String
	}
	if r.DisplayDeviceID.Valid {
		sp.DisplayDeviceID = &r.DisplayDeviceID.String
	}
	if r.DeletedAt.Valid {
		sp.DeletedAt = &r.DeletedAt.Time
	}
	return sp
}

// Get returns a space, scoped to tenantID; any space belonging to another
// tenant is reported as NotFound to avoid existence disclosure (spec.md §4.1).
func (s *SpaceStore) Get(ctx context.Context, tenantID, id string) (*domain.Space, error) {
	var row spaceRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM spaces WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("space", id)
	}
	if err != nil {
		return nil, errors.DatabaseError("get space", err)
	}
	return row.toDomain(), nil
}

// ByCode looks up a space by its tenant-unique code.
func (s *SpaceStore) ByCode(ctx context.Context, tenantID, code string) (*domain.Space, error) {
	var row spaceRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM spaces WHERE code = $1 AND tenant_id = $2 AND deleted_at IS NULL`, code, tenantID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("space", code)
	}
	if err != nil {
		return nil, errors.DatabaseError("space by code", err)
	}
	return row.toDomain(), nil
}

// BySensorEUI resolves the space currently assigned to a sensor device,
// used by the ingest pipeline to route a decoded reading (spec.md §4.2 step 5).
func (s *SpaceStore) BySensorEUI(ctx context.Context, eui string) (*domain.Space, error) {
	var row spaceRow
	err := s.db.GetContext(ctx, &row, `
		SELECT sp.* FROM spaces sp
		JOIN devices d ON d.id = sp.sensor_device_id
		WHERE d.eui = $1 AND sp.deleted_at IS NULL`, eui)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("space for sensor", eui)
	}
	if err != nil {
		return nil, errors.DatabaseError("space by sensor eui", err)
	}
	return row.toDomain(), nil
}

// ByDisplayDeviceEUI resolves the space currently assigned to a display
// device, used by queue cleanup to re-target a display after its gateway's
// stale downlinks are flushed (spec.md §4.4 "Queue cleanup").
func (s *SpaceStore) ByDisplayDeviceEUI(ctx context.Context, eui string) (*domain.Space, error) {
	var row spaceRow
	err := s.db.GetContext(ctx, &row, `
		SELECT sp.* FROM spaces sp
		JOIN devices d ON d.id = sp.display_device_id
		WHERE d.eui = $1 AND sp.deleted_at IS NULL`, eui)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("space for display", eui)
	}
	if err != nil {
		return nil, errors.DatabaseError("space by display eui", err)
	}
	return row.toDomain(), nil
}

// Create inserts a new space under quota enforced by the caller
// (internal/ratelimit.QuotaChecker.CheckSpaces) before calling this method.
func (s *SpaceStore) Create(ctx context.Context, sp *domain.Space) (*domain.Space, error) {
	var id string
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO spaces (tenant_id, site_id, code, state) VALUES ($1,$2,$3,$4) RETURNING id`,
		sp.TenantID, sp.SiteID, sp.Code, string(sp.State),
	).Scan(&id)
	if isUniqueViolation(err) {
		return nil, errors.AlreadyExists("space", sp.Code)
	}
	if err != nil {
		return nil, errors.DatabaseError("create space", err)
	}
	return s.Get(ctx, sp.TenantID, id)
}

// SetState updates a space's computed display state (written by the state
// machine after each evaluation, not by direct API mutation).
func (s *SpaceStore) SetState(ctx context.Context, tenantID, id string, state domain.SpaceState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE spaces SET state = $1 WHERE id = $2 AND tenant_id = $3`, string(state), id, tenantID)
	if err != nil {
		return errors.DatabaseError("set space state", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("space", id)
	}
	return nil
}

// AssignSensor / AssignDisplay bind a device to a space, enforcing that the
// device belongs to the same tenant and is not already assigned elsewhere
// (spec.md §3 Device invariants).
func (s *SpaceStore) AssignSensor(ctx context.Context, tenantID, spaceID, deviceID string) error {
	return s.assignDevice(ctx, tenantID, spaceID, deviceID, "sensor_device_id")
}

func (s *SpaceStore) AssignDisplay(ctx context.Context, tenantID, spaceID, deviceID string) error {
	return s.assignDevice(ctx, tenantID, spaceID, deviceID, "display_device_id")
}

func (s *SpaceStore) assignDevice(ctx context.Context, tenantID, spaceID, deviceID, column string) error {
	return s.db.WithTenant(ctx, tenantID, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE spaces SET `+column+` = $1 WHERE id = $2 AND tenant_id = $3`,
			deviceID, spaceID, tenantID)
		if err != nil {
			return errors.DatabaseError("assign device", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NotFound("space", spaceID)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE devices SET assigned_space_id = $1, lifecycle_state = 'assigned' WHERE id = $2 AND tenant_id = $3`,
			spaceID, deviceID, tenantID); err != nil {
			return errors.DatabaseError("assign device lifecycle", err)
		}
		return nil
	})
}

// UnassignSensor / UnassignDisplay clear the device binding.
func (s *SpaceStore) UnassignSensor(ctx context.Context, tenantID, spaceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE spaces SET sensor_device_id = NULL WHERE id = $1 AND tenant_id = $2`, spaceID, tenantID)
	if err != nil {
		return errors.DatabaseError("unassign sensor", err)
	}
	return nil
}

func (s *SpaceStore) UnassignDisplay(ctx context.Context, tenantID, spaceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE spaces SET display_device_id = NULL WHERE id = $1 AND tenant_id = $2`, spaceID, tenantID)
	if err != nil {
		return errors.DatabaseError("unassign display", err)
	}
	return nil
}

// ListWithDisplays returns every space that has an assigned display device,
// for the reconciliation sweep (spec.md §4.4).
func (s *SpaceStore) ListWithDisplays(ctx context.Context) ([]*domain.Space, error) {
	var rows []spaceRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM spaces WHERE display_device_id IS NOT NULL AND deleted_at IS NULL`)
	if err != nil {
		return nil, errors.DatabaseError("list spaces with displays", err)
	}
	out := make([]*domain.Space, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
