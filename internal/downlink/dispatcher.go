// Package downlink dispatches queued envelopes to the LNS (spec.md §4.4):
// content-hash computation, per-gateway/per-tenant rate limiting, the
// backoff ladder for offline gateways, and the reconciliation/cleanup
// sweeps. internal/store.DownlinkStore owns persistence; this package owns
// the behavior around it.
package downlink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/lorapark/control-plane/infrastructure/logging"
	core "github.com/lorapark/control-plane/internal/app/core/service"
	"github.com/lorapark/control-plane/internal/app/metrics"
	"github.com/lorapark/control-plane/internal/coord"
	"github.com/lorapark/control-plane/internal/domain"
	"github.com/lorapark/control-plane/internal/lns"
	"github.com/lorapark/control-plane/internal/statemachine"
	"github.com/lorapark/control-plane/internal/store"
)

// dispatchObservation tracks LNS enqueue attempts in flight and their
// outcome latency, keyed by device EUI.
var dispatchObservation = metrics.DispatcherHooks("control_plane", "downlink", "dispatch")

// BackoffLadder is the deferred-retry schedule of spec.md §4.4 step 2.
var BackoffLadder = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}

const MaxAttempts = 5

// Dispatcher drains due envelopes and drives them through the LNS.
type Dispatcher struct {
	downlinks *store.DownlinkStore
	devices   *store.DeviceStore
	gateways  *store.GatewayStore
	coord     *coord.Store
	lns       *lns.Client
	logger    *logging.Logger

	perGatewayPerSec int
	perTenantPerSec  int
	monitorTimeout   time.Duration
}

func NewDispatcher(downlinks *store.DownlinkStore, devices *store.DeviceStore, gateways *store.GatewayStore, c *coord.Store, lnsClient *lns.Client, logger *logging.Logger, perGatewayPerSec, perTenantPerSec int, monitorTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		downlinks: downlinks, devices: devices, gateways: gateways,
		coord: c, lns: lnsClient, logger: logger,
		perGatewayPerSec: perGatewayPerSec, perTenantPerSec: perTenantPerSec,
		monitorTimeout: monitorTimeout,
	}
}

// ContentHash is SHA-256 of (device EUI, port, payload bytes), the
// coalescing key of spec.md §4.4.
func ContentHash(deviceEUI string, port int, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(deviceEUI))
	h.Write([]byte{byte(port)})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Enqueue builds an envelope for a TargetDisplay and hands it to the store's
// coalescing insert.
func (d *Dispatcher) Enqueue(ctx context.Context, tenantID, deviceEUI string, payload []byte, port int, confirmed bool) (*domain.DownlinkEnvelope, error) {
	hash := ContentHash(deviceEUI, port, payload)
	env := &domain.DownlinkEnvelope{
		TenantID: tenantID, DeviceEUI: deviceEUI, Payload: payload, Port: port,
		Confirmed: confirmed, ContentHash: hash, State: domain.EnvelopePending,
		ScheduledAt: time.Now(),
	}
	return d.downlinks.Enqueue(ctx, env)
}

// RunOnce claims up to `limit` due envelopes and attempts to dispatch each.
// Intended to be called on a short tick by internal/scheduler.
func (d *Dispatcher) RunOnce(ctx context.Context, limit int) error {
	envelopes, err := d.downlinks.ClaimDue(ctx, limit)
	if err != nil {
		return err
	}
	for _, env := range envelopes {
		d.dispatchOne(ctx, env)
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, env *domain.DownlinkEnvelope) {
	device, err := d.devices.ByEUI(ctx, env.DeviceEUI)
	if err != nil {
		d.logger.LogDownlinkDispatch(ctx, env.DeviceEUI, env.ContentHash, err)
		return
	}

	if !d.gatewayOnline(ctx, device) {
		d.deferWithBackoff(ctx, env)
		return
	}

	if ok := d.takeRateLimitSlots(ctx, device); !ok {
		// Rate-limited: leave pending: it will be reconsidered on the next tick.
		return
	}

	if err := d.downlinks.MarkSending(ctx, env.ID); err != nil {
		d.logger.LogDownlinkDispatch(ctx, env.DeviceEUI, env.ContentHash, err)
		return
	}

	done := core.StartDispatch(ctx, dispatchObservation, map[string]string{"resource": env.DeviceEUI})
	result, err := d.lns.Enqueue(ctx, lns.EnqueueRequest{
		DeviceEUI: env.DeviceEUI, Port: env.Port, Payload: env.Payload, Confirmed: env.Confirmed,
	})
	done(err)
	if err != nil {
		d.logger.LogDownlinkDispatch(ctx, env.DeviceEUI, env.ContentHash, err)
		errMsg := err.Error()
		_ = d.downlinks.RecordActuation(ctx, env.ID, env.AttemptCount, "failed", &errMsg)
		if env.AttemptCount >= MaxAttempts {
			_ = d.downlinks.MarkFailed(ctx, env.ID)
			return
		}
		d.deferWithBackoff(ctx, env)
		return
	}

	d.logger.LogDownlinkDispatch(ctx, env.DeviceEUI, env.ContentHash, nil)
	_ = d.downlinks.RecordActuation(ctx, env.ID, env.AttemptCount, "sent", nil)
	_ = d.downlinks.MarkAcknowledged(ctx, env.ID, result.FrameCounter)
}

func (d *Dispatcher) gatewayOnline(ctx context.Context, device *domain.Device) bool {
	if device.LastGatewayEUI == nil {
		return false
	}
	gw, err := d.gateways.ByEUI(ctx, *device.LastGatewayEUI)
	if err != nil {
		return false
	}
	return gw.Online(time.Now())
}

func (d *Dispatcher) deferWithBackoff(ctx context.Context, env *domain.DownlinkEnvelope) {
	idx := env.AttemptCount
	if idx >= len(BackoffLadder) {
		idx = len(BackoffLadder) - 1
	}
	next := time.Now().Add(BackoffLadder[idx])
	_ = d.downlinks.MarkDeferred(ctx, env.ID, next)
}

func (d *Dispatcher) takeRateLimitSlots(ctx context.Context, device *domain.Device) bool {
	if device.LastGatewayEUI != nil {
		gwBucket := d.coord.NewTokenBucket(d.perGatewayPerSec, d.perGatewayPerSec, time.Second)
		if ok, _, err := gwBucket.Allow(ctx, "gateway:"+*device.LastGatewayEUI); err != nil || !ok {
			return false
		}
	}
	tenantBucket := d.coord.NewTokenBucket(d.perTenantPerSec, d.perTenantPerSec, time.Second)
	ok, _, err := tenantBucket.Allow(ctx, "tenant:"+device.TenantID)
	return err == nil && ok
}

// ReconciliationSweep re-evaluates every space with an assigned display and
// corrects drift against the cached last-known device state (spec.md §4.4
// "Reconciliation sweep").
func (d *Dispatcher) ReconciliationSweep(ctx context.Context, spaces *store.SpaceStore, target func(ctx context.Context, space *domain.Space) (statemachine.TargetDisplay, error), buildPayload func(statemachine.TargetDisplay) ([]byte, int)) error {
	withDisplays, err := spaces.ListWithDisplays(ctx)
	if err != nil {
		return err
	}
	for _, space := range withDisplays {
		if space.DisplayDeviceID == nil {
			continue
		}
		want, err := target(ctx, space)
		if err != nil {
			continue
		}
		device, err := d.devices.Get(ctx, space.TenantID, *space.DisplayDeviceID)
		if err != nil {
			continue
		}
		cached, err := d.coord.LoadLastKnownDisplay(ctx, device.EUI)
		payload, port := buildPayload(want)
		hash := ContentHash(device.EUI, port, payload)
		if err == nil && cached != nil && cached.ContentHash == hash {
			continue
		}
		if _, err := d.Enqueue(ctx, space.TenantID, device.EUI, payload, port, false); err != nil {
			d.logger.LogDownlinkDispatch(ctx, device.EUI, hash, err)
		}
	}
	return nil
}

// QueueCleanup flushes stale pending envelopes for devices on gateways that
// have been offline too long, then re-enqueues each device's current target
// display so the LNS can pick a different route on the device's next uplink
// (spec.md §4.4 "Queue cleanup").
func (d *Dispatcher) QueueCleanup(ctx context.Context, offlineFor, olderThan time.Duration, spaces *store.SpaceStore, target func(ctx context.Context, space *domain.Space) (statemachine.TargetDisplay, error), buildPayload func(statemachine.TargetDisplay) ([]byte, int)) error {
	offline, err := d.gateways.OfflineSince(ctx, offlineFor)
	if err != nil {
		return err
	}
	for _, gw := range offline {
		deviceEUIs, err := d.downlinks.FlushPendingForGateway(ctx, gw.EUI, olderThan)
		if err != nil {
			continue
		}
		for _, eui := range deviceEUIs {
			_ = d.lns.FlushQueue(ctx, eui)
			d.reenqueueDisplay(ctx, eui, spaces, target, buildPayload)
		}
	}
	return nil
}

func (d *Dispatcher) reenqueueDisplay(ctx context.Context, deviceEUI string, spaces *store.SpaceStore, target func(ctx context.Context, space *domain.Space) (statemachine.TargetDisplay, error), buildPayload func(statemachine.TargetDisplay) ([]byte, int)) {
	space, err := spaces.ByDisplayDeviceEUI(ctx, deviceEUI)
	if err != nil {
		return
	}
	want, err := target(ctx, space)
	if err != nil {
		return
	}
	payload, port := buildPayload(want)
	if _, err := d.Enqueue(ctx, space.TenantID, deviceEUI, payload, port, false); err != nil {
		d.logger.LogDownlinkDispatch(ctx, deviceEUI, ContentHash(deviceEUI, port, payload), err)
	}
}

// ReclaimStuckSending resets envelopes stuck in 'sending' past the safety
// window back to 'pending' (spec.md §4.4 "Persistence").
func (d *Dispatcher) ReclaimStuckSending(ctx context.Context, safety time.Duration) (int64, error) {
	return d.downlinks.ReclaimStuckSending(ctx, safety)
}
