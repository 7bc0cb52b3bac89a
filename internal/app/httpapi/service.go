package httpapi

import (
	"github.com/lorapark/control-plane/internal/audit"
	"github.com/lorapark/control-plane/internal/auth"
	"github.com/lorapark/control-plane/internal/coord"
	"github.com/lorapark/control-plane/internal/downlink"
	"github.com/lorapark/control-plane/internal/evaluate"
	"github.com/lorapark/control-plane/internal/ingest"
	"github.com/lorapark/control-plane/internal/ratelimit"
	"github.com/lorapark/control-plane/internal/reservation"
	"github.com/lorapark/control-plane/internal/store"
)

// Handler bundles every service the HTTP surface dispatches into. It stays
// a flat struct of collaborators, not a god object: each handler method
// touches only the fields its endpoint needs.
type Handler struct {
	auth         *auth.Service
	ingest       *ingest.Service
	evaluator    *evaluate.Evaluator
	dispatcher   *downlink.Dispatcher
	reservations *reservation.Engine
	audit        *audit.Recorder
	limiter      *ratelimit.Limiter
	quota        *ratelimit.QuotaChecker

	tenants *store.TenantStore
	spaces  *store.SpaceStore
	devices *store.DeviceStore
	orphans *store.OrphanStore

	db    *store.DB
	coord *coord.Store
}

// Config collects NewHandler's dependencies.
type Config struct {
	Auth         *auth.Service
	Ingest       *ingest.Service
	Evaluator    *evaluate.Evaluator
	Dispatcher   *downlink.Dispatcher
	Reservations *reservation.Engine
	Audit        *audit.Recorder
	Limiter      *ratelimit.Limiter
	Quota        *ratelimit.QuotaChecker
	Tenants      *store.TenantStore
	Spaces       *store.SpaceStore
	Devices      *store.DeviceStore
	Orphans      *store.OrphanStore
	DB           *store.DB
	Coord        *coord.Store
}

// NewHandler wires Config's collaborators into a Handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		auth:         cfg.Auth,
		ingest:       cfg.Ingest,
		evaluator:    cfg.Evaluator,
		dispatcher:   cfg.Dispatcher,
		reservations: cfg.Reservations,
		audit:        cfg.Audit,
		limiter:      cfg.Limiter,
		quota:        cfg.Quota,
		tenants:      cfg.Tenants,
		spaces:       cfg.Spaces,
		devices:      cfg.Devices,
		orphans:      cfg.Orphans,
		db:           cfg.DB,
		coord:        cfg.Coord,
	}
}
