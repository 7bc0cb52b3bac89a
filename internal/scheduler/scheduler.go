// Package scheduler runs the control plane's periodic jobs (spec.md §4.9):
// spool drain, reconciliation sweep, queue cleanup, reservation expiry, and
// the retention purges. Grounded on the teacher's
// internal/app/services/automation.Scheduler lifecycle (Name/Start/Stop over
// a cancellable background loop), but driven by robfig/cron/v3 instead of a
// single ticker since the jobs here run on distinct intervals rather than
// one shared tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lorapark/control-plane/infrastructure/logging"
	core "github.com/lorapark/control-plane/internal/app/core/service"
	"github.com/lorapark/control-plane/internal/app/metrics"
	"github.com/lorapark/control-plane/internal/app/system"
	"github.com/lorapark/control-plane/internal/coord"
	"github.com/lorapark/control-plane/internal/downlink"
	"github.com/lorapark/control-plane/internal/evaluate"
	"github.com/lorapark/control-plane/internal/ingest"
	"github.com/lorapark/control-plane/internal/reservation"
	"github.com/lorapark/control-plane/internal/store"
)

var _ system.Service = (*Scheduler)(nil)

// leaseTTL bounds how long one replica's lease on a job survives: long
// enough to cover a slow run, short enough that a crashed holder's lease
// is reclaimable well before the job's own interval comes back around.
const leaseTTL = 90 * time.Second

// Config holds the intervals and retention windows spec.md §4.9 and §6 name.
type Config struct {
	SpoolDrainInterval        time.Duration
	ReconciliationInterval    time.Duration
	QueueCleanupInterval      time.Duration
	ReservationExpiryInterval time.Duration
	RetentionSweepInterval    time.Duration

	SpoolDrainLimit int

	GatewayOfflineFor     time.Duration
	QueueCleanupOlderThan time.Duration

	SensorReadingRetention  time.Duration
	AuditRetention          time.Duration
	OrphanInactiveRetention time.Duration
	RefreshTokenGrace       time.Duration
}

// DefaultConfig matches spec.md §4.9's named intervals and §6's default
// retention windows.
func DefaultConfig() Config {
	return Config{
		SpoolDrainInterval:        5 * time.Second,
		ReconciliationInterval:    120 * time.Second,
		QueueCleanupInterval:      300 * time.Second,
		ReservationExpiryInterval: 60 * time.Second,
		RetentionSweepInterval:    24 * time.Hour,

		SpoolDrainLimit: 100,

		GatewayOfflineFor:     10 * time.Minute,
		QueueCleanupOlderThan: 10 * time.Minute,

		SensorReadingRetention:  30 * 24 * time.Hour,
		AuditRetention:          90 * 24 * time.Hour,
		OrphanInactiveRetention: 30 * 24 * time.Hour,
		RefreshTokenGrace:       7 * 24 * time.Hour,
	}
}

// Scheduler owns the cron-driven background jobs. Each job acquires a
// coord.Store lease before running so exactly one replica executes it per
// tick (spec.md §4.9: "single writer per job, lease-based for HA").
type Scheduler struct {
	cfg Config

	ingest       *ingest.Service
	evaluator    *evaluate.Evaluator
	dispatcher   *downlink.Dispatcher
	reservations *reservation.Engine
	spaces       *store.SpaceStore
	readings     *store.ReadingStore
	orphans      *store.OrphanStore
	credentials  *store.CredentialStore
	audit        *store.AuditStore
	coord        *coord.Store
	logger       *logging.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func New(
	cfg Config,
	ingestSvc *ingest.Service,
	evaluator *evaluate.Evaluator,
	dispatcher *downlink.Dispatcher,
	reservations *reservation.Engine,
	spaces *store.SpaceStore,
	readings *store.ReadingStore,
	orphans *store.OrphanStore,
	credentials *store.CredentialStore,
	audit *store.AuditStore,
	c *coord.Store,
	logger *logging.Logger,
) *Scheduler {
	return &Scheduler{
		cfg: cfg, ingest: ingestSvc, evaluator: evaluator, dispatcher: dispatcher,
		reservations: reservations, spaces: spaces, readings: readings, orphans: orphans,
		credentials: credentials, audit: audit, coord: c, logger: logger,
	}
}

// Name identifies the service to internal/app/system's lifecycle manager.
func (s *Scheduler) Name() string { return "scheduler" }

// Descriptor advertises the scheduler's placement, per the teacher's
// optional system.DescriptorProvider.
func (s *Scheduler) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "scheduler",
		Domain:       "parking-control-plane",
		Layer:        core.LayerEngine,
		Capabilities: []string{"spool-drain", "reconciliation-sweep", "queue-cleanup", "reservation-expiry", "retention"},
	}
}

// Start registers and starts every configured job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	s.addJob(c, "spool-drain", s.cfg.SpoolDrainInterval, s.runSpoolDrain)
	s.addJob(c, "reconciliation-sweep", s.cfg.ReconciliationInterval, s.runReconciliation)
	s.addJob(c, "queue-cleanup", s.cfg.QueueCleanupInterval, s.runQueueCleanup)
	s.addJob(c, "reservation-expiry", s.cfg.ReservationExpiryInterval, s.runReservationExpiry)
	s.addJob(c, "retention-sweep", s.cfg.RetentionSweepInterval, s.runRetentionSweep)

	c.Start()
	s.cron = c
	s.running = true
	s.logger.Info(ctx, "scheduler started", nil)
	return nil
}

// Stop waits for in-flight job runs to finish, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.running = false
	s.logger.Info(ctx, "scheduler stopped", nil)
	return nil
}

// addJob registers run on a "@every interval" cron schedule, skipping
// non-positive intervals (a job disabled by configuration).
func (s *Scheduler) addJob(c *cron.Cron, name string, interval time.Duration, run func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	spec := fmt.Sprintf("@every %s", interval)
	_, err := c.AddFunc(spec, func() {
		s.withLease(name, run)
	})
	if err != nil {
		s.logger.Warn(context.Background(), "scheduler: failed to register job", map[string]interface{}{"job": name, "error": err.Error()})
	}
}

// withLease runs fn only if this replica wins the named job's lease for
// this tick; otherwise it defers to whichever replica already holds it.
func (s *Scheduler) withLease(name string, run func(ctx context.Context)) {
	ctx := context.Background()
	release, acquired, err := s.coord.AcquireLock(ctx, "scheduler:"+name, leaseTTL)
	if err != nil {
		s.logger.Warn(ctx, "scheduler: lease acquisition failed", map[string]interface{}{"job": name, "error": err.Error()})
		return
	}
	if !acquired {
		return
	}
	defer release()

	start := time.Now()
	run(ctx)
	metrics.RecordAutomationExecution(name, time.Since(start), true)
}

func (s *Scheduler) runSpoolDrain(ctx context.Context) {
	processed, err := s.ingest.DrainSpool(ctx, s.cfg.SpoolDrainLimit)
	if err != nil {
		s.logger.Warn(ctx, "scheduler: spool drain failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if processed > 0 {
		s.logger.Info(ctx, "scheduler: spool drain processed entries", map[string]interface{}{"count": processed})
	}
}

func (s *Scheduler) runReconciliation(ctx context.Context) {
	if err := s.evaluator.Sweep(ctx); err != nil {
		s.logger.Warn(ctx, "scheduler: reconciliation sweep failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Scheduler) runQueueCleanup(ctx context.Context) {
	if err := s.dispatcher.QueueCleanup(ctx, s.cfg.GatewayOfflineFor, s.cfg.QueueCleanupOlderThan, s.spaces, s.evaluator.Target, evaluate.BuildPayload); err != nil {
		s.logger.Warn(ctx, "scheduler: queue cleanup failed", map[string]interface{}{"error": err.Error()})
	}
	if _, err := s.dispatcher.ReclaimStuckSending(ctx, s.cfg.QueueCleanupOlderThan); err != nil {
		s.logger.Warn(ctx, "scheduler: reclaim stuck sending failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Scheduler) runReservationExpiry(ctx context.Context) {
	if _, err := s.reservations.ExpireDue(ctx); err != nil {
		s.logger.Warn(ctx, "scheduler: reservation expiry failed", map[string]interface{}{"error": err.Error()})
	}
}

// runRetentionSweep bundles spec.md §4.9's four retention purges into one
// daily job: sensor readings (30d), audit log / "state-change retention"
// (90d), inactive orphans (30d), and expired refresh tokens (7d grace).
func (s *Scheduler) runRetentionSweep(ctx context.Context) {
	if n, err := s.readings.PurgeOlderThan(ctx, s.cfg.SensorReadingRetention); err != nil {
		s.logger.Warn(ctx, "scheduler: sensor reading purge failed", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		s.logger.Info(ctx, "scheduler: purged sensor readings", map[string]interface{}{"count": n})
	}

	if n, err := s.audit.PurgeOlderThan(ctx, s.cfg.AuditRetention); err != nil {
		s.logger.Warn(ctx, "scheduler: audit log purge failed", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		s.logger.Info(ctx, "scheduler: purged audit log entries", map[string]interface{}{"count": n})
	}

	if n, err := s.orphans.PurgeInactive(ctx, s.cfg.OrphanInactiveRetention); err != nil {
		s.logger.Warn(ctx, "scheduler: orphan purge failed", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		s.logger.Info(ctx, "scheduler: purged inactive orphans", map[string]interface{}{"count": n})
	}

	if n, err := s.credentials.PurgeExpired(ctx, s.cfg.RefreshTokenGrace); err != nil {
		s.logger.Warn(ctx, "scheduler: refresh token purge failed", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		s.logger.Info(ctx, "scheduler: purged expired refresh tokens", map[string]interface{}{"count": n})
	}
}
