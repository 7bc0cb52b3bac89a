package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/lorapark/control-plane/infrastructure/logging"
	mw "github.com/lorapark/control-plane/infrastructure/middleware"
	"github.com/lorapark/control-plane/internal/app/metrics"
)

// RouterConfig carries the pieces the router needs beyond the Handler's own
// service collaborators: CORS policy and the logger the ambient middleware
// stack is built from.
type RouterConfig struct {
	Logger       *logging.Logger
	CORS         *mw.CORSConfig
	MaxBodyBytes int64
	// EdgeRateLimitPerSec and EdgeRateLimitBurst configure the generic
	// per-caller safety net applied to every route. Zero disables it.
	EdgeRateLimitPerSec int
	EdgeRateLimitBurst  int
}

// NewRouter builds the chi router exposing every endpoint in spec.md §6.
// Ordering mirrors the teacher's gateway: request ID, recovery, logging,
// CORS, body limit, edge rate limit, then metrics instrumentation, before
// routing.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	recovery := mw.NewRecoveryMiddleware(cfg.Logger)
	cors := mw.NewCORSMiddleware(cfg.CORS)
	bodyLimit := mw.NewBodyLimitMiddleware(cfg.MaxBodyBytes)

	r.Use(chimw.RequestID)
	r.Use(recovery.Handler)
	r.Use(mw.LoggingMiddleware(cfg.Logger))
	r.Use(cors.Handler)
	r.Use(bodyLimit.Handler)
	if cfg.EdgeRateLimitPerSec > 0 {
		edgeLimiter := mw.NewRateLimiter(cfg.EdgeRateLimitPerSec, cfg.EdgeRateLimitBurst, cfg.Logger)
		r.Use(edgeLimiter.Handler)
	}
	r.Use(metrics.InstrumentHandler)

	r.Get("/health/live", h.handleLive)
	r.Get("/health/ready", h.handleReady)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/webhook/uplink", h.handleUplink)
	r.Post("/webhook/{tenantSlug}/uplink", h.handleUplink)

	r.Post("/auth/login", h.handleLogin)
	r.Post("/auth/refresh", h.handleRefresh)

	r.Group(func(protected chi.Router) {
		protected.Use(requireAuth(h.auth))

		protected.Post("/auth/switch-tenant", h.handleSwitchTenant)
		protected.Get("/me", h.handleMe)

		protected.Post("/reservations", h.handleCreateReservation)

		protected.Get("/spaces/{id}", h.handleGetSpace)
		protected.Post("/spaces/{id}/actuate", h.handleActuate)
		protected.Post("/spaces/{id}/sensor", h.handleAssignSensor)
		protected.Delete("/spaces/{id}/sensor", h.handleAssignSensor)
		protected.Post("/spaces/{id}/display", h.handleAssignDisplay)
		protected.Delete("/spaces/{id}/display", h.handleAssignDisplay)

		protected.Get("/orphan-devices", h.handleListOrphans)
		protected.Post("/orphan-devices/{eui}/assign", h.handleAssignOrphan)
	})

	return r
}
