package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/internal/audit"
	"github.com/lorapark/control-plane/internal/auth"
	"github.com/lorapark/control-plane/internal/domain"
)

// handleListOrphans binds GET /orphan-devices: EUIs observed by ingest with
// no owning tenant yet (spec.md §4.2 step 3, §6).
func (h *Handler) handleListOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := h.orphans.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orphans)
}

// handleAssignOrphan binds POST /orphan-devices/{eui}/assign, restricted to
// platform-admins and tenant-admins (spec.md §6): provisions the EUI as a
// device under the caller's tenant and drops the orphan record.
func (h *Handler) handleAssignOrphan(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	if !principal.AtLeast(domain.RoleAdmin) {
		writeError(w, errors.Forbidden("admin role required"))
		return
	}
	eui := chi.URLParam(r, "eui")

	orphan, err := h.orphans.ByEUI(r.Context(), eui)
	if err != nil {
		writeError(w, err)
		return
	}

	var payload struct {
		DeviceType string          `json:"device_type"`
		Role       domain.DeviceRole `json:"role"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	if payload.Role != domain.DeviceRoleSensor && payload.Role != domain.DeviceRoleDisplay {
		writeError(w, errors.InvalidInput("role", "must be sensor or display"))
		return
	}

	tenant, err := h.tenants.ByID(r.Context(), principal.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.quota.CheckDevices(r.Context(), tenant); err != nil {
		writeError(w, err)
		return
	}

	device, err := h.devices.Create(r.Context(), &domain.Device{
		TenantID:   principal.TenantID,
		EUI:        orphan.EUI,
		DeviceType: payload.DeviceType,
		Role:       payload.Role,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.orphans.DeleteEUI(r.Context(), eui); err != nil {
		writeError(w, err)
		return
	}

	h.audit.Record(r.Context(), audit.Entry{
		Principal: principal, Resource: "orphan_device", Verb: "assign", ResourceID: eui,
		After: device, RequestID: middlewareRequestID(r), ClientIP: clientIP(r),
	})
	writeJSON(w, http.StatusCreated, device)
}
