package httpapi

import (
	"net/http"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/internal/auth"
	"github.com/lorapark/control-plane/internal/domain"
)

func sessionResponse(s *auth.Session) map[string]interface{} {
	return map[string]interface{}{
		"access_token":  s.AccessToken,
		"access_expiry": s.AccessExpiry,
		"refresh_token": s.RefreshToken,
		"user_id":       s.UserID,
		"tenant_id":     s.TenantID,
		"role":          s.Role,
	}
}

// handleLogin binds POST /auth/login.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Tenant   string `json:"tenant"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	session, err := h.auth.Login(r.Context(), payload.Email, payload.Password, payload.Tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

// handleRefresh binds POST /auth/refresh.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	session, err := h.auth.Refresh(r.Context(), payload.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

// handleSwitchTenant binds POST /auth/switch-tenant, restricted to
// platform-admins impersonating into a tenant they have no membership in
// (spec.md §6).
func (h *Handler) handleSwitchTenant(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	if !principal.AtLeast(domain.RolePlatformAdmin) {
		writeError(w, errors.Forbidden("platform-admin role required"))
		return
	}
	var payload struct {
		TenantID string `json:"tenant_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	session, err := h.auth.SwitchTenant(r.Context(), principal.UserID, payload.TenantID, principal.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

// handleMe binds GET /me: principal, tenant, role, scopes, and a quota
// usage snapshot (spec.md §6).
func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	resp := map[string]interface{}{
		"kind":      principal.Kind,
		"user_id":   principal.UserID,
		"tenant_id": principal.TenantID,
		"role":      principal.Role,
		"scopes":    principal.Scopes,
	}
	if principal.TenantID != "" {
		tenant, err := h.tenants.ByID(r.Context(), principal.TenantID)
		if err == nil {
			spaces, _ := h.tenants.CountSpaces(r.Context(), tenant.ID)
			devices, _ := h.tenants.CountDevices(r.Context(), tenant.ID)
			users, _ := h.tenants.CountUsers(r.Context(), tenant.ID)
			resp["quota"] = map[string]interface{}{
				"spaces":      quotaUsage{Used: spaces, Max: tenant.MaxSpaces},
				"devices":     quotaUsage{Used: devices, Max: tenant.MaxDevices},
				"users":       quotaUsage{Used: users, Max: tenant.MaxUsers},
				"tenant_slug": tenant.Slug,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type quotaUsage struct {
	Used int `json:"used"`
	Max  int `json:"max"`
}
