package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/internal/domain"
)

// DownlinkStore is the durable, coalescing downlink queue (spec.md §4.4).
type DownlinkStore struct{ db *DB }

func NewDownlinkStore(db *DB) *DownlinkStore { return &DownlinkStore{db: db} }

type envelopeRow struct {
	ID              string         `db:"id"`
	TenantID        string         `db:"tenant_id"`
	DeviceEUI       string         `db:"device_eui"`
	GatewayEUI      sql.NullString `db:"gateway_eui"`
	Payload         []byte         `db:"payload"`
	Port            int            `db:"port"`
	Confirmed       bool           `db:"confirmed"`
	ContentHash     string         `db:"content_hash"`
	State           string         `db:"state"`
	AttemptCount    int            `db:"attempt_count"`
	ScheduledAt     time.Time      `db:"scheduled_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	LNSFrameCounter sql.NullInt64  `db:"lns_frame_counter"`
}

func (r envelopeRow) toDomain() *domain.DownlinkEnvelope {
	e := &domain.DownlinkEnvelope{
		ID: r.ID, TenantID: r.TenantID, DeviceEUI: r.DeviceEUI, Payload: r.Payload,
		Port: r.Port, Confirmed: r.Confirmed, ContentHash: r.ContentHash,
		State: domain.EnvelopeState(r.State), AttemptCount: r.AttemptCount,
		ScheduledAt: r.ScheduledAt, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if r.GatewayEUI.Valid {
		e.GatewayEUI = &r.GatewayEUI.String
	}
	if r.LNSFrameCounter.Valid {
		e.LNSFrameCounter = &r.LNSFrameCounter.Int64
	}
	return e
}

// Enqueue implements the coalescing rule: an identical content-hash already
// pending is a no-op; a different content-hash for the same device
// supersedes the prior pending envelope (newest-target-wins).
func (s *DownlinkStore) Enqueue(ctx context.Context, e *domain.DownlinkEnvelope) (*domain.DownlinkEnvelope, error) {
	var existing envelopeRow
	err := s.db.GetContext(ctx, &existing, `
		SELECT * FROM downlink_envelopes WHERE device_eui = $1 AND state = 'pending'`, e.DeviceEUI)
	switch {
	case err == sql.ErrNoRows:
		// fall through to insert
	case err != nil:
		return nil, errors.DatabaseError("lookup pending envelope", err)
	default:
		if existing.ContentHash == e.ContentHash {
			return existing.toDomain(), nil // coalesced: identical target already pending
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE downlink_envelopes SET state = 'failed', updated_at = now() WHERE id = $1`, existing.ID); err != nil {
			return nil, errors.DatabaseError("supersede envelope", err)
		}
	}

	var id string
	err = s.db.QueryRowxContext(ctx, `
		INSERT INTO downlink_envelopes (tenant_id, device_eui, gateway_eui, payload, port, confirmed, content_hash, scheduled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		e.TenantID, e.DeviceEUI, e.GatewayEUI, e.Payload, e.Port, e.Confirmed, e.ContentHash, e.ScheduledAt,
	).Scan(&id)
	if isUniqueViolation(err) {
		// Lost the race against a concurrent identical enqueue; return the winner.
		var row envelopeRow
		if gErr := s.db.GetContext(ctx, &row, `SELECT * FROM downlink_envelopes WHERE device_eui = $1 AND content_hash = $2 AND state = 'pending'`, e.DeviceEUI, e.ContentHash); gErr == nil {
			return row.toDomain(), nil
		}
	}
	if err != nil {
		return nil, errors.DatabaseError("enqueue envelope", err)
	}
	return s.Get(ctx, id)
}

func (s *DownlinkStore) Get(ctx context.Context, id string) (*domain.DownlinkEnvelope, error) {
	var row envelopeRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM downlink_envelopes WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("downlink envelope", id)
	}
	if err != nil {
		return nil, errors.DatabaseError("get envelope", err)
	}
	return row.toDomain(), nil
}

// ClaimDue selects pending envelopes scheduled at or before now, ordered by
// scheduled-at then creation, for a dispatcher worker to process.
func (s *DownlinkStore) ClaimDue(ctx context.Context, limit int) ([]*domain.DownlinkEnvelope, error) {
	var rows []envelopeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM downlink_envelopes WHERE state = 'pending' AND scheduled_at <= now()
		ORDER BY scheduled_at, created_at LIMIT $1`, limit)
	if err != nil {
		return nil, errors.DatabaseError("claim due envelopes", err)
	}
	out := make([]*domain.DownlinkEnvelope, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// MarkSending transitions an envelope to sending, bumping attempt count.
func (s *DownlinkStore) MarkSending(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE downlink_envelopes SET state = 'sending', attempt_count = attempt_count + 1, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return errors.DatabaseError("mark sending", err)
	}
	return nil
}

// MarkDeferred reschedules an envelope per the backoff ladder of spec.md §4.4 step 2.
func (s *DownlinkStore) MarkDeferred(ctx context.Context, id string, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE downlink_envelopes SET state = 'deferred', scheduled_at = $2, updated_at = now() WHERE id = $1`, id, next)
	if err != nil {
		return errors.DatabaseError("mark deferred", err)
	}
	return nil
}

// Requeue flips a deferred envelope back to pending, e.g. once a gateway
// comes back online.
func (s *DownlinkStore) Requeue(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE downlink_envelopes SET state = 'pending', scheduled_at = $2, updated_at = now() WHERE id = $1`, id, at)
	if err != nil {
		return errors.DatabaseError("requeue envelope", err)
	}
	return nil
}

// MarkAcknowledged records LNS/device confirmation.
func (s *DownlinkStore) MarkAcknowledged(ctx context.Context, id string, lnsFrameCounter int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE downlink_envelopes SET state = 'acknowledged', lns_frame_counter = $2, updated_at = now() WHERE id = $1`, id, lnsFrameCounter)
	if err != nil {
		return errors.DatabaseError("mark acknowledged", err)
	}
	return nil
}

// MarkFailed terminates an envelope after downlink_max_attempts.
func (s *DownlinkStore) MarkFailed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE downlink_envelopes SET state = 'failed', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return errors.DatabaseError("mark failed", err)
	}
	return nil
}

// ReclaimStuckSending resets 'sending' envelopes older than the safety
// window back to pending, per spec.md §4.4 "Persistence".
func (s *DownlinkStore) ReclaimStuckSending(ctx context.Context, safety time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE downlink_envelopes SET state = 'pending', updated_at = now()
		WHERE state = 'sending' AND updated_at < $1`, time.Now().Add(-safety))
	if err != nil {
		return 0, errors.DatabaseError("reclaim sending envelopes", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// FlushPendingForGateway cancels stale pending envelopes bound to a
// last-known gateway that has been offline too long, per spec.md §4.4 "Queue
// cleanup".
func (s *DownlinkStore) FlushPendingForGateway(ctx context.Context, gatewayEUI string, olderThan time.Duration) ([]string, error) {
	var deviceEUIs []string
	err := s.db.SelectContext(ctx, &deviceEUIs, `
		UPDATE downlink_envelopes SET state = 'failed', updated_at = now()
		WHERE gateway_eui = $1 AND state IN ('pending','deferred') AND created_at < $2
		RETURNING device_eui`, gatewayEUI, time.Now().Add(-olderThan))
	if err != nil {
		return nil, errors.DatabaseError("flush pending for gateway", err)
	}
	return deviceEUIs, nil
}

// RecordActuation appends an audit row for one dispatch attempt.
func (s *DownlinkStore) RecordActuation(ctx context.Context, envelopeID string, attempt int, outcome string, errMsg *string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actuation_records (envelope_id, attempt, outcome, error_message) VALUES ($1,$2,$3,$4)`,
		envelopeID, attempt, outcome, errMsg)
	if err != nil {
		return errors.DatabaseError("record actuation", err)
	}
	return nil
}
