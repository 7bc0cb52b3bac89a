package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/internal/domain"
)

// ReadingStore provides access to append-only sensor readings and the
// first-seen orphan-device ledger.
type ReadingStore struct{ db *DB }

func NewReadingStore(db *DB) *ReadingStore { return &ReadingStore{db: db} }

// Insert attempts an idempotent insert keyed by (tenant, device EUI, fcnt).
// A unique violation is reported as the sentinel ErrDuplicate so callers
// (internal/ingest) can return `duplicate` without treating it as a fault.
func (s *ReadingStore) Insert(ctx context.Context, r *domain.SensorReading) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sensor_readings (tenant_id, device_eui, fcnt, occupancy, battery, rssi, snr, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.TenantID, r.DeviceEUI, r.FCnt, string(r.Occupancy), r.Battery, r.RSSI, r.SNR, r.ReceivedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return errors.DatabaseError("insert sensor reading", err)
	}
	return nil
}

// ErrDuplicate signals a (tenant, device, fcnt) reading already exists.
var ErrDuplicate = errDuplicate{}

type errDuplicate struct{}

func (errDuplicate) Error() string { return "sensor reading is a duplicate" }

// LatestFor returns the most recent reading for a device, used when the
// reconciliation sweep needs to know whether a device reported recently.
func (s *ReadingStore) LatestFor(ctx context.Context, tenantID, deviceEUI string) (*domain.SensorReading, error) {
	var row struct {
		ID         int64        `db:"id"`
		TenantID   string       `db:"tenant_id"`
		DeviceEUI  string       `db:"device_eui"`
		FCnt       int64        `db:"fcnt"`
		Occupancy  string       `db:"occupancy"`
		Battery    sql.NullFloat64 `db:"battery"`
		RSSI       sql.NullFloat64 `db:"rssi"`
		SNR        sql.NullFloat64 `db:"snr"`
		ReceivedAt time.Time    `db:"received_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM sensor_readings WHERE tenant_id = $1 AND device_eui = $2
		ORDER BY received_at DESC LIMIT 1`, tenantID, deviceEUI)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("sensor reading", deviceEUI)
	}
	if err != nil {
		return nil, errors.DatabaseError("latest reading", err)
	}
	out := &domain.SensorReading{ID: row.ID, TenantID: row.TenantID, DeviceEUI: row.DeviceEUI,
		FCnt: row.FCnt, Occupancy: domain.Occupancy(row.Occupancy), ReceivedAt: row.ReceivedAt}
	return out, nil
}

// PurgeOlderThan deletes readings older than the retention window
// (spec.md §4.9, default 30 days).
func (s *ReadingStore) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sensor_readings WHERE received_at < $1`, time.Now().Add(-age))
	if err != nil {
		return 0, errors.DatabaseError("purge readings", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// OrphanStore tracks uplinks from unregistered EUIs.
type OrphanStore struct{ db *DB }

func NewOrphanStore(db *DB) *OrphanStore { return &OrphanStore{db: db} }

// UpsertIfNewer applies the orphan-path rule from spec.md §4.2 step 6: a
// fresh EUI is inserted; an existing one only advances if newFCnt >
// last_fcnt, and the conditional UPDATE prevents lost updates under
// concurrent uplinks for the same orphan.
func (s *OrphanStore) UpsertIfNewer(ctx context.Context, eui string, fcnt int64, payload []byte, rssi, snr *float32, at time.Time) (advanced bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orphan_devices (eui, last_fcnt, uplink_count, last_payload, last_rssi, last_snr, first_seen_at, last_seen_at)
		VALUES ($1,$2,1,$3,$4,$5,$6,$6)
		ON CONFLICT (eui) DO UPDATE SET
			last_fcnt = EXCLUDED.last_fcnt,
			uplink_count = orphan_devices.uplink_count + 1,
			last_payload = EXCLUDED.last_payload,
			last_rssi = EXCLUDED.last_rssi,
			last_snr = EXCLUDED.last_snr,
			last_seen_at = EXCLUDED.last_seen_at
		WHERE EXCLUDED.last_fcnt > orphan_devices.last_fcnt`,
		eui, fcnt, payload, rssi, snr, at)
	if err != nil {
		return false, errors.DatabaseError("upsert orphan", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ByEUI returns an orphan record, or NotFound for a never-seen EUI.
func (s *OrphanStore) ByEUI(ctx context.Context, eui string) (*domain.OrphanDevice, error) {
	var row struct {
		EUI         string          `db:"eui"`
		LastFCnt    int64           `db:"last_fcnt"`
		UplinkCount int64           `db:"uplink_count"`
		LastPayload []byte          `db:"last_payload"`
		LastRSSI    sql.NullFloat64 `db:"last_rssi"`
		LastSNR     sql.NullFloat64 `db:"last_snr"`
		FirstSeenAt time.Time       `db:"first_seen_at"`
		LastSeenAt  time.Time       `db:"last_seen_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM orphan_devices WHERE eui = $1`, eui)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("orphan device", eui)
	}
	if err != nil {
		return nil, errors.DatabaseError("orphan by eui", err)
	}
	return &domain.OrphanDevice{EUI: row.EUI, LastFCnt: row.LastFCnt, UplinkCount: row.UplinkCount,
		LastPayload: row.LastPayload, FirstSeenAt: row.FirstSeenAt, LastSeenAt: row.LastSeenAt}, nil
}

// List returns all tracked orphan devices for the platform-admin endpoint.
func (s *OrphanStore) List(ctx context.Context) ([]*domain.OrphanDevice, error) {
	var rows []struct {
		EUI         string    `db:"eui"`
		LastFCnt    int64     `db:"last_fcnt"`
		UplinkCount int64     `db:"uplink_count"`
		FirstSeenAt time.Time `db:"first_seen_at"`
		LastSeenAt  time.Time `db:"last_seen_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `SELECT eui, last_fcnt, uplink_count, first_seen_at, last_seen_at FROM orphan_devices ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, errors.DatabaseError("list orphans", err)
	}
	out := make([]*domain.OrphanDevice, 0, len(rows))
	for _, r := range rows {
		out = append(out, &domain.OrphanDevice{EUI: r.EUI, LastFCnt: r.LastFCnt, UplinkCount: r.UplinkCount,
			FirstSeenAt: r.FirstSeenAt, LastSeenAt: r.LastSeenAt})
	}
	return out, nil
}

// DeleteEUI removes an orphan record, called once it has been assigned to a
// real device registration.
func (s *OrphanStore) DeleteEUI(ctx context.Context, eui string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM orphan_devices WHERE eui = $1`, eui)
	if err != nil {
		return errors.DatabaseError("delete orphan", err)
	}
	return nil
}

// PurgeInactive removes orphan records that have not reported in `age`.
func (s *OrphanStore) PurgeInactive(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM orphan_devices WHERE last_seen_at < $1`, time.Now().Add(-age))
	if err != nil {
		return 0, errors.DatabaseError("purge orphans", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
