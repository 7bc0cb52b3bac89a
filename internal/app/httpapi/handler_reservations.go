package httpapi

import (
	"net/http"
	"time"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/internal/audit"
	"github.com/lorapark/control-plane/internal/auth"
)

// reservationCreateRate bounds how often one tenant may create reservations
// (spec.md §4.7: "reservation create" is one of the rate-limited paths).
const (
	reservationCreateRatePerSec = 10
	reservationCreateBurst      = 20
)

// handleCreateReservation binds POST /reservations (spec.md §4.5): the
// engine itself enforces the duration and overlap invariants and returns a
// *errors.ServiceError when they're violated, so this handler only decodes
// and translates.
func (h *Handler) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())

	var payload struct {
		SpaceID   string    `json:"space_id"`
		Start     time.Time `json:"start"`
		End       time.Time `json:"end"`
		RequestID *string   `json:"request_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	if payload.SpaceID == "" {
		writeError(w, errors.MissingParameter("space_id"))
		return
	}

	allowed, retryAfter, err := h.limiter.AllowTenant(r.Context(), principal.TenantID,
		reservationCreateRatePerSec, reservationCreateBurst, time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	if !allowed {
		writeError(w, errors.RateLimitExceeded(reservationCreateRatePerSec, retryAfter.String()))
		return
	}

	reservation, err := h.reservations.Create(r.Context(), principal.TenantID, payload.SpaceID,
		payload.Start, payload.End, principal.UserID, payload.RequestID)
	if err != nil {
		writeError(w, err)
		return
	}

	h.audit.Record(r.Context(), audit.Entry{
		Principal: principal, Resource: "reservation", Verb: "create", ResourceID: reservation.ID,
		After: reservation, RequestID: middlewareRequestID(r), ClientIP: clientIP(r),
	})
	writeJSON(w, http.StatusCreated, reservation)
}
