// Package evaluate composes the store and coordination layers into
// statemachine.Inputs, calls statemachine.Evaluate, and drives the resulting
// target toward a downlink. It is the glue spec.md §4.3's "Contract" note
// describes: the state machine itself stays pure, everything side-effecting
// lives here.
package evaluate

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/lorapark/control-plane/infrastructure/logging"
	"github.com/lorapark/control-plane/internal/coord"
	"github.com/lorapark/control-plane/internal/domain"
	"github.com/lorapark/control-plane/internal/downlink"
	"github.com/lorapark/control-plane/internal/statemachine"
	"github.com/lorapark/control-plane/internal/store"
)

// DisplayPort is the fixed LoRaWAN FPort the display firmware listens on
// (spec.md §9 worked example).
const DisplayPort = 15

// Kuando RGB LED duty-cycle bytes: solid-on, off, and a 50/50 blink pair.
// spec.md's worked example gives the solid-on encoding directly (`64 00`);
// the blink pair is this package's own choice, since spec.md names a
// blink flag but not its duty cycle.
const (
	dutySolidOn  = 0x64
	dutySolidOff = 0x00
	dutyBlinkOn  = 0x32
	dutyBlinkOff = 0x32
)

// Evaluator gathers per-space inputs and turns a statemachine.TargetDisplay
// into an enqueued downlink when it changes.
type Evaluator struct {
	spaces       *store.SpaceStore
	devices      *store.DeviceStore
	policies     *store.PolicyStore
	reservations *store.ReservationStore
	coord        *coord.Store
	dispatcher   *downlink.Dispatcher
	logger       *logging.Logger
}

func New(spaces *store.SpaceStore, devices *store.DeviceStore, policies *store.PolicyStore, reservations *store.ReservationStore, c *coord.Store, dispatcher *downlink.Dispatcher, logger *logging.Logger) *Evaluator {
	return &Evaluator{
		spaces: spaces, devices: devices, policies: policies, reservations: reservations,
		coord: c, dispatcher: dispatcher, logger: logger,
	}
}

// Target computes the current target display for a space, persisting the
// resulting stable-state cache and the space's denormalized state column.
// It matches the `target` callback shape downlink.Dispatcher.ReconciliationSweep
// expects.
func (e *Evaluator) Target(ctx context.Context, space *domain.Space) (statemachine.TargetDisplay, error) {
	now := time.Now()

	policy, err := e.policies.Active(ctx, space.TenantID)
	if err != nil {
		return statemachine.TargetDisplay{}, err
	}
	override, err := e.policies.ActiveOverride(ctx, space.TenantID, space.ID, now)
	if err != nil {
		return statemachine.TargetDisplay{}, err
	}
	active, err := e.reservations.ActiveForSpace(ctx, space.TenantID, space.ID, now)
	if err != nil {
		return statemachine.TargetDisplay{}, err
	}
	upcoming, err := e.reservations.NextUpcoming(ctx, space.TenantID, space.ID, now)
	if err != nil {
		return statemachine.TargetDisplay{}, err
	}
	debounce, err := e.coord.LoadDebounce(ctx, space.TenantID, space.ID)
	if err != nil {
		return statemachine.TargetDisplay{}, err
	}
	previous, err := e.loadPreviousStable(ctx, space.TenantID, space.ID)
	if err != nil {
		e.logger.Warn(ctx, "evaluate: previous-stable cache unreadable, treating as empty", map[string]interface{}{"error": err.Error()})
	}

	target := statemachine.Evaluate(statemachine.Inputs{
		Now:                 now,
		Policy:              policy,
		Override:            override,
		ActiveReservation:   active,
		UpcomingReservation: upcoming,
		ReservedSoonWindow:  time.Duration(policy.ReservedSoonSec) * time.Second,
		Debounce:            debounce,
		UnknownTimeout:      time.Duration(policy.UnknownTimeoutSec) * time.Second,
		PreviousStable:      previous,
	})

	if target.Reason != "hold-last-stable" {
		if encoded, err := json.Marshal(target); err != nil {
			e.logger.Warn(ctx, "evaluate: encode target for cache failed", map[string]interface{}{"error": err.Error()})
		} else if err := e.coord.SaveLastTarget(ctx, space.TenantID, space.ID, encoded); err != nil {
			e.logger.Warn(ctx, "evaluate: save last target failed", map[string]interface{}{"error": err.Error()})
		}
	}

	if err := e.spaces.SetState(ctx, space.TenantID, space.ID, domain.SpaceState(target.State)); err != nil {
		e.logger.Warn(ctx, "evaluate: persist space state failed", map[string]interface{}{"error": err.Error()})
	}

	return target, nil
}

func (e *Evaluator) loadPreviousStable(ctx context.Context, tenantID, spaceID string) (*statemachine.TargetDisplay, error) {
	raw, err := e.coord.LoadLastTarget(ctx, tenantID, spaceID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var t statemachine.TargetDisplay
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, nil
	}
	return &t, nil
}

// BuildPayload encodes a TargetDisplay as a Kuando-style RGB downlink:
// [R, G, B, on, off]. Matches the `buildPayload` callback shape
// downlink.Dispatcher.ReconciliationSweep expects.
func BuildPayload(target statemachine.TargetDisplay) ([]byte, int) {
	rgb, err := hex.DecodeString(target.ColorRGB)
	if err != nil || len(rgb) != 3 {
		rgb = []byte{0, 0, 0}
	}
	on, off := byte(dutySolidOn), byte(dutySolidOff)
	if target.Blink {
		on, off = dutyBlinkOn, dutyBlinkOff
	}
	payload := make([]byte, 0, 5)
	payload = append(payload, rgb...)
	payload = append(payload, on, off)
	return payload, DisplayPort
}

// ReevaluateOne re-evaluates a single space and enqueues a downlink if the
// target changed. Its signature matches reservation.ReevaluateFunc and
// ingest.ReevaluateFunc, the two callers that trigger an out-of-cycle
// evaluation (spec.md §4.2 step 6, §4.5 step 4).
func (e *Evaluator) ReevaluateOne(ctx context.Context, tenantID, spaceID string) {
	space, err := e.spaces.Get(ctx, tenantID, spaceID)
	if err != nil {
		e.logger.Warn(ctx, "evaluate: reevaluate space lookup failed", map[string]interface{}{"error": err.Error()})
		return
	}
	target, err := e.Target(ctx, space)
	if err != nil {
		e.logger.Warn(ctx, "evaluate: target computation failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if space.DisplayDeviceID == nil {
		return
	}
	device, err := e.devices.Get(ctx, tenantID, *space.DisplayDeviceID)
	if err != nil {
		return
	}
	payload, port := BuildPayload(target)
	hash := downlink.ContentHash(device.EUI, port, payload)
	if cached, err := e.coord.LoadLastKnownDisplay(ctx, device.EUI); err == nil && cached != nil && cached.ContentHash == hash {
		return
	}
	if _, err := e.dispatcher.Enqueue(ctx, tenantID, device.EUI, payload, port, false); err != nil {
		e.logger.Warn(ctx, "evaluate: enqueue downlink failed", map[string]interface{}{"error": err.Error()})
	}
}

// Sweep runs the reconciliation sweep over every space with a display
// assigned, using this evaluator as both the target and payload callbacks.
func (e *Evaluator) Sweep(ctx context.Context) error {
	return e.dispatcher.ReconciliationSweep(ctx, e.spaces, e.Target, BuildPayload)
}
