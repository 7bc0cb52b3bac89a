package httpapi

import (
	"net/http"
	"strings"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/internal/auth"
)

// requireAuth resolves the caller's principal from a bearer token and
// attaches it to the request context. A JWT access token (three
// dot-separated segments) is validated as a user session; any other opaque
// bearer value is tried as a service key, since both schemes are presented
// the same way (spec.md §4.1's "bearer access token or service key").
func requireAuth(authSvc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, errors.Unauthorized("missing bearer token"))
				return
			}

			var (
				principal auth.Principal
				err       error
			)
			if strings.Count(token, ".") == 2 {
				principal, err = authSvc.AuthenticateBearer(token)
			} else {
				principal, err = authSvc.AuthenticateServiceKey(r.Context(), token)
			}
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(h)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
