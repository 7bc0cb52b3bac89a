package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/internal/audit"
	"github.com/lorapark/control-plane/internal/auth"
	"github.com/lorapark/control-plane/internal/domain"
	"github.com/lorapark/control-plane/internal/evaluate"
	"github.com/lorapark/control-plane/internal/statemachine"
)

// handleActuate binds POST /spaces/{id}/actuate: enqueues the space's
// current computed target, or a forced state, as a downlink (spec.md §6).
func (h *Handler) handleActuate(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	spaceID := chi.URLParam(r, "id")

	space, err := h.spaces.Get(r.Context(), principal.TenantID, spaceID)
	if err != nil {
		writeError(w, errors.NotFound("space", spaceID))
		return
	}

	var payload struct {
		ForceState *string `json:"force_state"`
	}
	_ = decodeJSON(r.Body, &payload)

	target, err := h.evaluator.Target(r.Context(), space)
	if err != nil {
		writeError(w, err)
		return
	}
	if payload.ForceState != nil {
		target.State = statemachine.DisplayState(*payload.ForceState)
		target.Reason = "forced"
	}

	if space.DisplayDeviceID == nil {
		writeError(w, errors.InvalidInput("space", "has no assigned display device"))
		return
	}
	device, err := h.devices.Get(r.Context(), principal.TenantID, *space.DisplayDeviceID)
	if err != nil {
		writeError(w, err)
		return
	}

	body, port := evaluate.BuildPayload(target)
	env, err := h.dispatcher.Enqueue(r.Context(), principal.TenantID, device.EUI, body, port, false)
	if err != nil {
		writeError(w, err)
		return
	}

	h.audit.Record(r.Context(), audit.Entry{
		Principal: principal, Resource: "space", Verb: "actuate", ResourceID: spaceID,
		After: target, RequestID: middlewareRequestID(r), ClientIP: clientIP(r),
	})
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"envelope_id": env.ID, "target": target})
}

// handleAssignSensor binds POST /spaces/{id}/sensor and DELETE
// /spaces/{id}/sensor.
func (h *Handler) handleAssignSensor(w http.ResponseWriter, r *http.Request) {
	h.assignDevice(w, r, domain.DeviceRoleSensor)
}

// handleAssignDisplay binds POST /spaces/{id}/display and DELETE
// /spaces/{id}/display.
func (h *Handler) handleAssignDisplay(w http.ResponseWriter, r *http.Request) {
	h.assignDevice(w, r, domain.DeviceRoleDisplay)
}

func (h *Handler) assignDevice(w http.ResponseWriter, r *http.Request, role domain.DeviceRole) {
	principal := auth.FromContext(r.Context())
	spaceID := chi.URLParam(r, "id")

	space, err := h.spaces.Get(r.Context(), principal.TenantID, spaceID)
	if err != nil {
		writeError(w, errors.NotFound("space", spaceID))
		return
	}

	if r.Method == http.MethodDelete {
		if role == domain.DeviceRoleSensor {
			err = h.spaces.UnassignSensor(r.Context(), principal.TenantID, spaceID)
		} else {
			err = h.spaces.UnassignDisplay(r.Context(), principal.TenantID, spaceID)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		h.audit.Record(r.Context(), audit.Entry{
			Principal: principal, Resource: "space", Verb: "unassign_" + string(role), ResourceID: spaceID,
			RequestID: middlewareRequestID(r), ClientIP: clientIP(r),
		})
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var payload struct {
		DeviceID string `json:"device_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	device, err := h.devices.Get(r.Context(), principal.TenantID, payload.DeviceID)
	if err != nil {
		writeError(w, errors.NotFound("device", payload.DeviceID))
		return
	}
	if device.Role != role {
		writeError(w, errors.InvalidInput("device_id", "device role does not match assignment"))
		return
	}

	if role == domain.DeviceRoleSensor {
		err = h.spaces.AssignSensor(r.Context(), principal.TenantID, spaceID, device.ID)
	} else {
		err = h.spaces.AssignDisplay(r.Context(), principal.TenantID, spaceID, device.ID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	h.audit.Record(r.Context(), audit.Entry{
		Principal: principal, Resource: "space", Verb: "assign_" + string(role), ResourceID: spaceID,
		After: payload, RequestID: middlewareRequestID(r), ClientIP: clientIP(r),
	})
	writeJSON(w, http.StatusOK, space)
}

// handleGetSpace binds GET /spaces/{id}. Scoping every lookup by the
// caller's tenant is what makes a space in another tenant 404 instead of
// 403 (spec.md §6 edge case: tenant isolation leaks no information about
// resources outside the caller's tenant).
func (h *Handler) handleGetSpace(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	spaceID := chi.URLParam(r, "id")
	space, err := h.spaces.Get(r.Context(), principal.TenantID, spaceID)
	if err != nil {
		writeError(w, errors.NotFound("space", spaceID))
		return
	}
	writeJSON(w, http.StatusOK, space)
}
