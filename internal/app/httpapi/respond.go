// Package httpapi binds the control plane's core services to HTTP handlers
// (spec.md §6). Handlers stay thin: parsing, principal/tenant resolution,
// and translating service errors to responses; all business logic lives in
// the services they call.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	svcerrors "github.com/lorapark/control-plane/infrastructure/errors"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps a *errors.ServiceError to its declared HTTP status; any
// other error is treated as an unexpected internal failure.
func writeError(w http.ResponseWriter, err error) {
	var svcErr *svcerrors.ServiceError
	if errors.As(err, &svcErr) {
		writeJSON(w, svcErr.HTTPStatus, map[string]interface{}{
			"code":    svcErr.Code,
			"message": svcErr.Message,
			"details": svcErr.Details,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"code":    "SVC_5001",
		"message": "internal error",
	})
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return svcerrors.InvalidInput("body", err.Error())
	}
	return nil
}
