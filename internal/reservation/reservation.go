// Package reservation orchestrates booking creation, cancellation, and
// expiry on top of internal/store.ReservationStore, which owns the
// database-enforced non-overlap guarantee (spec.md §4.5).
package reservation

import (
	"context"
	"time"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/internal/domain"
	"github.com/lorapark/control-plane/internal/store"
)

// MaxDuration is the longest a single reservation may span.
const MaxDuration = 24 * time.Hour

// ReevaluateFunc triggers a state-machine re-evaluation for a space; wired
// to internal/statemachine by the caller to avoid a direct dependency from
// this package on the dispatcher.
type ReevaluateFunc func(ctx context.Context, tenantID, spaceID string)

type Engine struct {
	reservations *store.ReservationStore
	reevaluate   ReevaluateFunc
}

func NewEngine(reservations *store.ReservationStore, reevaluate ReevaluateFunc) *Engine {
	return &Engine{reservations: reservations, reevaluate: reevaluate}
}

// Create implements createReservation (spec.md §4.5).
func (e *Engine) Create(ctx context.Context, tenantID, spaceID string, start, end time.Time, requester string, requestID *string) (*domain.Reservation, error) {
	if !end.After(start) {
		return nil, errors.InvalidInput("end", "must be after start")
	}
	if end.Sub(start) > MaxDuration {
		return nil, errors.InvalidInput("end", "reservation may not exceed 24 hours")
	}

	if requestID != nil && *requestID != "" {
		if existing, err := e.reservations.ByRequestID(ctx, tenantID, *requestID); err == nil {
			return existing, nil
		}
	}

	// createReservation has no separate confirmation step (spec.md §4.5): a
	// successful insert is a booking, not a hold, so it lands directly in
	// 'confirmed' where expire() and the state machine's active-reservation
	// lookup both expect to find it. 'pending' remains a valid status for the
	// exclusion constraint and cancel() but nothing in this engine produces it.
	r := &domain.Reservation{
		TenantID: tenantID, SpaceID: spaceID, Start: start, End: end,
		Status: domain.ReservationConfirmed, RequestID: requestID, Requester: requester,
	}
	created, err := e.reservations.Create(ctx, r)
	if err == store.ErrOverlap {
		return nil, errors.ReservationOverlap(spaceID)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if !now.Before(start) && now.Before(end) {
		e.reevaluate(ctx, tenantID, spaceID)
	}
	return created, nil
}

// Cancel implements cancel (spec.md §4.5).
func (e *Engine) Cancel(ctx context.Context, tenantID, id string) (*domain.Reservation, error) {
	r, err := e.reservations.Cancel(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	e.reevaluate(ctx, tenantID, r.SpaceID)
	return r, nil
}

// ExpireDue implements the scheduled expire() job (spec.md §4.5), run every
// 60 seconds by internal/scheduler. It spans all tenants.
func (e *Engine) ExpireDue(ctx context.Context) ([]store.ExpiredSpace, error) {
	expired, err := e.reservations.ExpireDue(ctx)
	if err != nil {
		return nil, err
	}
	for _, sp := range expired {
		e.reevaluate(ctx, sp.TenantID, sp.SpaceID)
	}
	return expired, nil
}

// CheckAvailability implements checkAvailability (spec.md §4.5).
func (e *Engine) CheckAvailability(ctx context.Context, tenantID, spaceID string, from, to time.Time) ([]*domain.Reservation, bool, error) {
	overlapping, err := e.reservations.Overlapping(ctx, tenantID, spaceID, from, to)
	if err != nil {
		return nil, false, err
	}
	return overlapping, len(overlapping) == 0, nil
}
