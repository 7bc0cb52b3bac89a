package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/internal/domain"
)

// DeviceStore provides tenant-scoped access to devices and gateways.
type DeviceStore struct{ db *DB }

func NewDeviceStore(db *DB) *DeviceStore { return &DeviceStore{db: db} }

type deviceRow struct {
	ID              string         `db:"id"`
	TenantID        string         `db:"tenant_id"`
	EUI             string         `db:"eui"`
	DeviceType      string         `db:"device_type"`
	Role            string         `db:"role"`
	LifecycleState  string         `db:"lifecycle_state"`
	AssignedSpaceID sql.NullString `db:"assigned_space_id"`
	LastSeenAt      sql.NullTime   `db:"last_seen_at"`
	LastGatewayEUI  sql.NullString `db:"last_gateway_eui"`
	CreatedAt       time.Time      `db:"created_at"`
	DeletedAt       sql.NullTime   `db:"deleted_at"`
}

func (r deviceRow) toDomain() *domain.Device {
	d := &domain.Device{
		ID: r.ID, TenantID: r.TenantID, EUI: r.EUI, DeviceType: r.DeviceType,
		Role: domain.DeviceRole(r.Role), LifecycleState: domain.DeviceLifecycle(r.LifecycleState),
		CreatedAt: r.CreatedAt,
	}
	if r.AssignedSpaceID.Valid {
		d.AssignedSpaceID = &r.AssignedSpaceID.String
	}
	if r.LastSeenAt.Valid {
		d.LastSeenAt = &r.LastSeenAt.Time
	}
	if r.LastGatewayEUI.Valid {
		d.LastGatewayEUI = &r.LastGatewayEUI.String
	}
	if r.DeletedAt.Valid {
		d.DeletedAt = &r.DeletedAt.Time
	}
	return d
}

// ByEUI resolves a device by its globally unique EUI, unscoped by tenant
// because the ingest pipeline must discover the owning tenant from the EUI
// itself (spec.md §4.2 step 3).
func (s *DeviceStore) ByEUI(ctx context.Context, eui string) (*domain.Device, error) {
	var row deviceRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM devices WHERE eui = $1 AND deleted_at IS NULL`, eui)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("device", eui)
	}
	if err != nil {
		return nil, errors.DatabaseError("device by eui", err)
	}
	return row.toDomain(), nil
}

// Get returns a device scoped to tenantID.
func (s *DeviceStore) Get(ctx context.Context, tenantID, id string) (*domain.Device, error) {
	var row deviceRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM devices WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("device", id)
	}
	if err != nil {
		return nil, errors.DatabaseError("get device", err)
	}
	return row.toDomain(), nil
}

// Create provisions a new device.
func (s *DeviceStore) Create(ctx context.Context, d *domain.Device) (*domain.Device, error) {
	var id string
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO devices (tenant_id, eui, device_type, role, lifecycle_state)
		VALUES ($1,$2,$3,$4,'provisioned') RETURNING id`,
		d.TenantID, d.EUI, d.DeviceType, string(d.Role),
	).Scan(&id)
	if isUniqueViolation(err) {
		return nil, errors.AlreadyExists("device", d.EUI)
	}
	if err != nil {
		return nil, errors.DatabaseError("create device", err)
	}
	return s.Get(ctx, d.TenantID, id)
}

// Touch records a fresh uplink: last-seen timestamp and observed gateway.
func (s *DeviceStore) Touch(ctx context.Context, eui string, at time.Time, gatewayEUI string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = $1, last_gateway_eui = NULLIF($2,''), lifecycle_state = 'active'
		 WHERE eui = $3`, at, gatewayEUI, eui)
	if err != nil {
		return errors.DatabaseError("touch device", err)
	}
	return nil
}

// SetLifecycle transitions a device's lifecycle state.
func (s *DeviceStore) SetLifecycle(ctx context.Context, tenantID, id string, state domain.DeviceLifecycle) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET lifecycle_state = $1 WHERE id = $2 AND tenant_id = $3`, string(state), id, tenantID)
	if err != nil {
		return errors.DatabaseError("set device lifecycle", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("device", id)
	}
	return nil
}

// GatewayStore provides access to gateway online status.
type GatewayStore struct{ db *DB }

func NewGatewayStore(db *DB) *GatewayStore { return &GatewayStore{db: db} }

// ByEUI looks up a gateway, unscoped, since gateway hints in webhooks arrive
// before tenant context is always resolvable.
func (s *GatewayStore) ByEUI(ctx context.Context, eui string) (*domain.Gateway, error) {
	var row struct {
		ID         string       `db:"id"`
		TenantID   string       `db:"tenant_id"`
		EUI        string       `db:"eui"`
		LastSeenAt sql.NullTime `db:"last_seen_at"`
		CreatedAt  time.Time    `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM gateways WHERE eui = $1`, eui)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("gateway", eui)
	}
	if err != nil {
		return nil, errors.DatabaseError("gateway by eui", err)
	}
	g := &domain.Gateway{ID: row.ID, TenantID: row.TenantID, EUI: row.EUI, CreatedAt: row.CreatedAt}
	if row.LastSeenAt.Valid {
		g.LastSeenAt = &row.LastSeenAt.Time
	}
	return g, nil
}

// Upsert records a gateway sighting from an uplink's gateway hints.
func (s *GatewayStore) Upsert(ctx context.Context, tenantID, eui string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateways (tenant_id, eui, last_seen_at) VALUES ($1,$2,$3)
		ON CONFLICT (eui) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at`,
		tenantID, eui, at)
	if err != nil {
		return errors.DatabaseError("upsert gateway", err)
	}
	return nil
}

// OfflineSince lists gateways that have been offline for at least d,
// feeding queue cleanup (spec.md §4.4).
func (s *GatewayStore) OfflineSince(ctx context.Context, d time.Duration) ([]*domain.Gateway, error) {
	var rows []struct {
		ID         string       `db:"id"`
		TenantID   string       `db:"tenant_id"`
		EUI        string       `db:"eui"`
		LastSeenAt sql.NullTime `db:"last_seen_at"`
		CreatedAt  time.Time    `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM gateways WHERE last_seen_at < $1`, time.Now().Add(-d))
	if err != nil {
		return nil, errors.DatabaseError("offline gateways", err)
	}
	out := make([]*domain.Gateway, 0, len(rows))
	for _, r := range rows {
		g := &domain.Gateway{ID: r.ID, TenantID: r.TenantID, EUI: r.EUI, CreatedAt: r.CreatedAt}
		if r.LastSeenAt.Valid {
			g.LastSeenAt = &r.LastSeenAt.Time
		}
		out = append(out, g)
	}
	return out, nil
}
