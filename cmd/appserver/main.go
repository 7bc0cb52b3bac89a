// Command appserver runs the LoRaWAN parking control plane: webhook ingest,
// the display state machine and downlink dispatcher, the reservation
// engine, and the HTTP API, all behind a background scheduler that keeps
// them converged (spec.md §§4, 6).
package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lorapark/control-plane/infrastructure/logging"
	"github.com/lorapark/control-plane/internal/app/httpapi"
	"github.com/lorapark/control-plane/internal/audit"
	"github.com/lorapark/control-plane/internal/auth"
	"github.com/lorapark/control-plane/internal/coord"
	"github.com/lorapark/control-plane/internal/downlink"
	"github.com/lorapark/control-plane/internal/evaluate"
	"github.com/lorapark/control-plane/internal/ingest"
	"github.com/lorapark/control-plane/internal/ingest/spool"
	"github.com/lorapark/control-plane/internal/lns"
	"github.com/lorapark/control-plane/internal/platform/database"
	"github.com/lorapark/control-plane/internal/platform/migrations"
	"github.com/lorapark/control-plane/internal/ratelimit"
	"github.com/lorapark/control-plane/internal/reservation"
	"github.com/lorapark/control-plane/internal/scheduler"
	"github.com/lorapark/control-plane/internal/store"
	"github.com/lorapark/control-plane/internal/translate"
	"github.com/lorapark/control-plane/pkg/config"
	"github.com/lorapark/control-plane/pkg/pgnotify"
)

// spaceEventsChannel carries "a space was just re-evaluated" notifications
// so every replica's evaluator wakes immediately instead of waiting for the
// next reconciliation-sweep tick (spec.md §4.9's fan-out path).
const spaceEventsChannel = "control_plane_space_events"

type spaceEvent struct {
	TenantID string `json:"tenant_id"`
	SpaceID  string `json:"space_id"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("control-plane", cfg.Logging.Level, cfg.Logging.Format)

	rootCtx := context.Background()

	sqlDB, err := openDatabase(rootCtx, cfg)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer sqlDB.Close()

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(rootCtx, sqlDB); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
	}

	db := store.Wrap(sqlx.NewDb(sqlDB, "postgres"), logger)

	rdb := coord.Dial(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer rdb.Close()
	coordStore := coord.New(rdb, logger)

	tenants := store.NewTenantStore(db)
	spaces := store.NewSpaceStore(db)
	devices := store.NewDeviceStore(db)
	gateways := store.NewGatewayStore(db)
	readings := store.NewReadingStore(db)
	orphans := store.NewOrphanStore(db)
	policies := store.NewPolicyStore(db)
	reservationStore := store.NewReservationStore(db)
	downlinkStore := store.NewDownlinkStore(db)
	auditStore := store.NewAuditStore(db)
	credentials := store.NewCredentialStore(db)

	lnsClient := lns.NewClient(cfg.LNS.BaseURL, cfg.LNS.Token)
	dispatcher := downlink.NewDispatcher(downlinkStore, devices, gateways, coordStore, lnsClient, logger,
		cfg.Downlink.PerGatewayPerSec, cfg.Downlink.PerTenantPerSec,
		time.Duration(cfg.Downlink.MonitorTimeoutSec)*time.Second)

	evaluator := evaluate.New(spaces, devices, policies, reservationStore, coordStore, dispatcher, logger)

	eventBus, err := pgnotify.NewWithDB(sqlDB, cfg.Database.ConnectionString())
	if err != nil {
		logger.Warn(rootCtx, "event bus unavailable, cross-replica wake disabled", map[string]interface{}{"error": err.Error()})
		eventBus = nil
	} else {
		defer eventBus.Close()
		if err := eventBus.Subscribe(spaceEventsChannel, func(ctx context.Context, evt pgnotify.Event) error {
			var se spaceEvent
			if err := json.Unmarshal(evt.Payload, &se); err != nil {
				return err
			}
			evaluator.ReevaluateOne(ctx, se.TenantID, se.SpaceID)
			return nil
		}); err != nil {
			logger.Warn(rootCtx, "event bus subscribe failed", map[string]interface{}{"error": err.Error()})
		}
	}
	reevaluate := evaluator.ReevaluateOne
	if eventBus != nil {
		reevaluate = func(ctx context.Context, tenantID, spaceID string) {
			evaluator.ReevaluateOne(ctx, tenantID, spaceID)
			if err := eventBus.Publish(ctx, spaceEventsChannel, spaceEvent{TenantID: tenantID, SpaceID: spaceID}); err != nil {
				logger.Warn(ctx, "event bus publish failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	webhookKey, err := decodeSecretKey(cfg.Security.SecretEncryptionKey)
	if err != nil {
		log.Fatalf("invalid SECRET_ENCRYPTION_KEY: %v", err)
	}
	secretPolicy := ingest.SecretPolicyLogOnly
	if cfg.Security.RequireWebhookSignature {
		secretPolicy = ingest.SecretPolicyFailClosed
	}
	webhookAuth := ingest.NewWebhookAuthenticator(coordStore, webhookKey, secretPolicy, logger)

	limiter := ratelimit.NewLimiter(coordStore)
	quotaChecker := ratelimit.NewQuotaChecker(tenants)

	spooler, err := spool.New(cfg.Ingest.SpoolDir)
	if err != nil {
		log.Fatalf("open ingest spool: %v", err)
	}

	translateRegistry := translate.NewRegistry()

	ingestSvc := ingest.NewService(tenants, devices, readings, orphans, translateRegistry,
		webhookAuth, limiter, spooler, reevaluate, logger)

	reservationEngine := reservation.NewEngine(reservationStore, reevaluate)

	auditRecorder := audit.NewRecorder(auditStore, logger)

	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	authSvc := auth.NewService(tenants, credentials, tokenManager,
		cfg.Auth.RefreshTokenTTLDays, cfg.Auth.RefreshReuseWindow, logger)

	schedulerCfg := scheduler.DefaultConfig()
	schedulerCfg.GatewayOfflineFor = time.Duration(cfg.Downlink.GatewayOfflineMinutes) * time.Minute
	schedulerCfg.QueueCleanupOlderThan = time.Duration(cfg.Downlink.QueueCleanupOlderThanMinutes) * time.Minute
	schedulerCfg.SensorReadingRetention = time.Duration(cfg.Retention.SensorReadingDays) * 24 * time.Hour
	schedulerCfg.AuditRetention = time.Duration(cfg.Retention.StateChangeDays) * 24 * time.Hour
	schedulerCfg.OrphanInactiveRetention = time.Duration(cfg.Retention.OrphanInactiveDays) * 24 * time.Hour

	sched := scheduler.New(schedulerCfg, ingestSvc, evaluator, dispatcher, reservationEngine,
		spaces, readings, orphans, credentials, auditStore, coordStore, logger)

	handler := httpapi.NewHandler(httpapi.Config{
		Auth:         authSvc,
		Ingest:       ingestSvc,
		Evaluator:    evaluator,
		Dispatcher:   dispatcher,
		Reservations: reservationEngine,
		Audit:        auditRecorder,
		Limiter:      limiter,
		Quota:        quotaChecker,
		Tenants:      tenants,
		Spaces:       spaces,
		Devices:      devices,
		Orphans:      orphans,
		DB:           db,
		Coord:        coordStore,
	})

	router := httpapi.NewRouter(handler, httpapi.RouterConfig{
		Logger:              logger,
		EdgeRateLimitPerSec: cfg.Server.EdgeRateLimitPerSec,
		EdgeRateLimitBurst:  cfg.Server.EdgeRateLimitBurst,
	})

	addr := determineAddr(cfg)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := sched.Start(rootCtx); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	go func() {
		logger.Info(rootCtx, "control plane listening", map[string]interface{}{"addr": addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Printf("scheduler shutdown: %v", err)
	}
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	dsn := cfg.Database.DSN
	if dsn == "" {
		dsn = cfg.Database.ConnectionString()
	}
	db, err := database.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
	return db, nil
}

func determineAddr(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// decodeSecretKey accepts a base64, hex, or raw key of AES-valid length.
// An empty value is allowed only for local/dev runs where tenants have no
// webhook secrets configured yet; the authenticator's fail-closed policy
// still rejects any signed request in that case.
func decodeSecretKey(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && validKeyLength(decoded) {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil && validKeyLength(decoded) {
		return decoded, nil
	}
	raw := []byte(value)
	if validKeyLength(raw) {
		return raw, nil
	}
	return nil, fmt.Errorf("expected 16, 24, or 32 byte key")
}

func validKeyLength(key []byte) bool {
	switch len(key) {
	case 16, 24, 32:
		return true
	default:
		return false
	}
}
