package httpapi

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/lorapark/control-plane/infrastructure/middleware"
)

// clientIP and middlewareRequestID give handler and audit code a single
// place to pull request metadata from, independent of which router
// middleware produced it.
func clientIP(r *http.Request) string {
	return middleware.ClientIP(r)
}

func middlewareRequestID(r *http.Request) string {
	return chimw.GetReqID(r.Context())
}
