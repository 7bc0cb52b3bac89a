package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/internal/domain"
)

// ReservationStore enforces non-overlap via the database's range-exclusion
// constraint (spec.md §4.5); it performs no application-level pre-check.
type ReservationStore struct{ db *DB }

func NewReservationStore(db *DB) *ReservationStore { return &ReservationStore{db: db} }

type reservationRow struct {
	ID        string         `db:"id"`
	TenantID  string         `db:"tenant_id"`
	SpaceID   string         `db:"space_id"`
	Start     time.Time      `db:"lower_bound"`
	End       time.Time      `db:"upper_bound"`
	Status    string         `db:"status"`
	RequestID sql.NullString `db:"request_id"`
	Requester string         `db:"requester"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r reservationRow) toDomain() *domain.Reservation {
	res := &domain.Reservation{
		ID: r.ID, TenantID: r.TenantID, SpaceID: r.SpaceID, Start: r.Start, End: r.End,
		Status: domain.ReservationStatus(r.Status), Requester: r.Requester,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if r.RequestID.Valid {
		res.RequestID = &r.RequestID.String
	}
	return res
}

const reservationSelect = `
	SELECT id, tenant_id, space_id, lower(during) AS lower_bound, upper(during) AS upper_bound,
	       status, request_id, requester, created_at, updated_at
	FROM reservations`

// ByRequestID implements the idempotency check of spec.md §4.5 step 2.
func (s *ReservationStore) ByRequestID(ctx context.Context, tenantID, requestID string) (*domain.Reservation, error) {
	var row reservationRow
	err := s.db.GetContext(ctx, &row, reservationSelect+` WHERE tenant_id = $1 AND request_id = $2`, tenantID, requestID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("reservation", requestID)
	}
	if err != nil {
		return nil, errors.DatabaseError("reservation by request id", err)
	}
	return row.toDomain(), nil
}

// Get returns a reservation scoped to tenantID.
func (s *ReservationStore) Get(ctx context.Context, tenantID, id string) (*domain.Reservation, error) {
	var row reservationRow
	err := s.db.GetContext(ctx, &row, reservationSelect+` WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("reservation", id)
	}
	if err != nil {
		return nil, errors.DatabaseError("get reservation", err)
	}
	return row.toDomain(), nil
}

// Create inserts a reservation. A gist exclusion violation surfaces as
// ErrOverlap so the engine can return Conflict(reservation-overlap).
func (s *ReservationStore) Create(ctx context.Context, r *domain.Reservation) (*domain.Reservation, error) {
	var id string
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO reservations (tenant_id, space_id, during, status, request_id, requester)
		VALUES ($1,$2,tstzrange($3,$4,'[)'),$5,$6,$7) RETURNING id`,
		r.TenantID, r.SpaceID, r.Start, r.End, string(r.Status), r.RequestID, r.Requester,
	).Scan(&id)
	if pqErrorCode(err) == "23P01" {
		return nil, ErrOverlap
	}
	if isUniqueViolation(err) {
		// unique_violation on (tenant_id, request_id): a concurrent create
		// with the same idempotency key won the race.
		return s.ByRequestID(ctx, r.TenantID, *r.RequestID)
	}
	if err != nil {
		return nil, errors.DatabaseError("create reservation", err)
	}
	return s.Get(ctx, r.TenantID, id)
}

// ErrOverlap signals a range-exclusion violation.
var ErrOverlap = errOverlap{}

type errOverlap struct{}

func (errOverlap) Error() string { return "reservation overlaps an existing booking" }

// Cancel transitions a pending/confirmed reservation to cancelled.
func (s *ReservationStore) Cancel(ctx context.Context, tenantID, id string) (*domain.Reservation, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND status IN ('pending','confirmed')`, id, tenantID)
	if err != nil {
		return nil, errors.DatabaseError("cancel reservation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errors.NotFound("reservation", id)
	}
	return s.Get(ctx, tenantID, id)
}

// ExpiredSpace identifies a space whose reservation just expired, scoped by
// tenant so the caller can trigger a tenant-correct re-evaluation.
type ExpiredSpace struct {
	TenantID string `db:"tenant_id"`
	SpaceID  string `db:"space_id"`
}

// ExpireDue transitions all confirmed reservations with end <= now to
// expired, returning their (tenant, space) pairs for re-evaluation
// (spec.md §4.5). Spans all tenants: this is a scheduler job, not a
// tenant-scoped request.
func (s *ReservationStore) ExpireDue(ctx context.Context) ([]ExpiredSpace, error) {
	var rows []ExpiredSpace
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE reservations SET status = 'expired', updated_at = now()
		WHERE status = 'confirmed' AND upper(during) <= now()
		RETURNING tenant_id, space_id`)
	if err != nil {
		return nil, errors.DatabaseError("expire reservations", err)
	}
	return rows, nil
}

// Overlapping returns reservations on a space intersecting [from, to),
// backing checkAvailability (spec.md §4.5).
func (s *ReservationStore) Overlapping(ctx context.Context, tenantID, spaceID string, from, to time.Time) ([]*domain.Reservation, error) {
	var rows []reservationRow
	err := s.db.SelectContext(ctx, &rows, reservationSelect+`
		WHERE tenant_id = $1 AND space_id = $2 AND status IN ('pending','confirmed')
		AND during && tstzrange($3,$4,'[)')
		ORDER BY lower(during)`, tenantID, spaceID, from, to)
	if err != nil {
		return nil, errors.DatabaseError("overlapping reservations", err)
	}
	out := make([]*domain.Reservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ActiveForSpace returns the reservation covering `now`, if any, for the
// state machine's priority-3 input.
func (s *ReservationStore) ActiveForSpace(ctx context.Context, tenantID, spaceID string, now time.Time) (*domain.Reservation, error) {
	var row reservationRow
	err := s.db.GetContext(ctx, &row, reservationSelect+`
		WHERE tenant_id = $1 AND space_id = $2 AND status IN ('pending','confirmed')
		AND during @> $3::timestamptz
		LIMIT 1`, tenantID, spaceID, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DatabaseError("active reservation", err)
	}
	res := row.toDomain()
	return res, nil
}

// NextUpcoming returns the soonest future reservation for a space, for the
// state machine's priority-4 "reserved soon" input.
func (s *ReservationStore) NextUpcoming(ctx context.Context, tenantID, spaceID string, now time.Time) (*domain.Reservation, error) {
	var row reservationRow
	err := s.db.GetContext(ctx, &row, reservationSelect+`
		WHERE tenant_id = $1 AND space_id = $2 AND status IN ('pending','confirmed')
		AND lower(during) > $3
		ORDER BY lower(during) ASC LIMIT 1`, tenantID, spaceID, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DatabaseError("next upcoming reservation", err)
	}
	res := row.toDomain()
	return res, nil
}
