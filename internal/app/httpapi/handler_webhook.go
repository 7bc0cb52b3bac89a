package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/infrastructure/middleware"
	"github.com/lorapark/control-plane/internal/ingest"
)

// handleUplink binds POST /webhook/uplink and POST
// /webhook/{tenant-slug}/uplink (spec.md §6): an optional tenant slug path
// parameter, and the signature/timestamp/nonce headers internal/ingest
// verifies against the tenant's webhook secret.
func (h *Handler) handleUplink(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, errors.InvalidInput("body", "failed to read request body"))
		return
	}

	timestampRaw := r.Header.Get(ingest.HeaderTimestamp)
	var ts time.Time
	if unixSec, convErr := strconv.ParseInt(timestampRaw, 10, 64); convErr == nil {
		ts = time.Unix(unixSec, 0)
	}

	req := ingest.RawRequest{
		TenantHint:   chi.URLParam(r, "tenantSlug"),
		SignatureHex: r.Header.Get(ingest.HeaderSignature),
		TimestampRaw: timestampRaw,
		Timestamp:    ts,
		Nonce:        r.Header.Get(ingest.HeaderNonce),
		Body:         body,
		SourceIP:     middleware.ClientIP(r),
		Headers: map[string]string{
			ingest.HeaderSignature: r.Header.Get(ingest.HeaderSignature),
			ingest.HeaderTimestamp: timestampRaw,
			ingest.HeaderNonce:     r.Header.Get(ingest.HeaderNonce),
		},
	}

	result, err := h.ingest.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == ingest.Spooled {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]interface{}{
		"outcome":  result.Outcome,
		"spool_id": result.SpoolID,
	})
}
