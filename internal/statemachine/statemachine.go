// Package statemachine computes the target display state for a space
// (spec.md §4.3): a pure priority table over admin overrides, reservations,
// and debounced sensor readings, plus the debounce/hysteresis bookkeeping
// that feeds it.
package statemachine

import (
	"time"

	"github.com/lorapark/control-plane/internal/coord"
	"github.com/lorapark/control-plane/internal/domain"
	"github.com/lorapark/control-plane/internal/translate"
)

// DisplayState is the output color/behavior a downlink should drive toward.
type DisplayState string

const (
	StateFree        DisplayState = "FREE"
	StateOccupied    DisplayState = "OCCUPIED"
	StateReserved    DisplayState = "RESERVED"
	StateMaintenance DisplayState = "MAINTENANCE"
)

// TargetDisplay is evaluate's result: what the dispatcher should enqueue.
type TargetDisplay struct {
	State         DisplayState
	ColorRGB      string
	Blink         bool
	PriorityLevel int
	Reason        string
}

// Inputs bundles everything evaluate needs. All of it is read by the caller
// (from internal/store and internal/coord) so evaluate itself stays pure.
type Inputs struct {
	Now                time.Time
	Policy             *domain.DisplayPolicy
	Override           *domain.AdminOverride // nil if none active
	ActiveReservation  *domain.Reservation   // nil if none covers Now
	UpcomingReservation *domain.Reservation  // nil if none starts soon
	ReservedSoonWindow time.Duration
	Debounce           coord.DebounceState
	UnknownTimeout     time.Duration
	PreviousStable     *TargetDisplay // held during silence/unknown, per P6
}

// Evaluate implements the priority table of spec.md §4.3. It never mutates
// its inputs; the caller is responsible for persisting the resulting
// debounce/stable state.
func Evaluate(in Inputs) TargetDisplay {
	if in.Override != nil && in.Override.Active(in.Now) {
		switch in.Override.Reason {
		case domain.OverrideOutOfService:
			return TargetDisplay{State: StateMaintenance, ColorRGB: in.Policy.OutOfServiceRGB, PriorityLevel: 1, Reason: "admin-override-out-of-service"}
		case domain.OverrideBlocked:
			return TargetDisplay{State: StateMaintenance, ColorRGB: in.Policy.BlockedRGB, PriorityLevel: 2, Reason: "admin-override-blocked"}
		}
	}

	if in.ActiveReservation != nil && in.ActiveReservation.Active(in.Now) {
		return TargetDisplay{State: StateReserved, ColorRGB: in.Policy.ReservedRGB, PriorityLevel: 3, Reason: "active-reservation"}
	}

	if in.UpcomingReservation != nil && in.UpcomingReservation.StartsSoon(in.Now, in.ReservedSoonWindow) {
		return TargetDisplay{
			State: StateReserved, ColorRGB: in.Policy.ReservedSoonRGB, Blink: in.Policy.ReservedSoonBlink,
			PriorityLevel: 4, Reason: "reservation-starts-soon",
		}
	}

	silent := in.Debounce.LastRawAt.IsZero() || in.Now.Sub(in.Debounce.LastRawAt) > in.UnknownTimeout
	stable := translate.Occupancy(in.Debounce.StableValue)

	switch {
	case silent || stable == translate.Unknown || stable == "":
		if in.PreviousStable != nil {
			held := *in.PreviousStable
			held.Reason = "hold-last-stable"
			return held
		}
		return TargetDisplay{State: StateFree, ColorRGB: in.Policy.FreeRGB, PriorityLevel: 7, Reason: "no-data-default"}
	case stable == translate.Occupied:
		return TargetDisplay{State: StateOccupied, ColorRGB: in.Policy.OccupiedRGB, PriorityLevel: 5, Reason: "sensor-occupied"}
	case stable == translate.Vacant:
		return TargetDisplay{State: StateFree, ColorRGB: in.Policy.FreeRGB, PriorityLevel: 5, Reason: "sensor-vacant"}
	default:
		return TargetDisplay{State: StateFree, ColorRGB: in.Policy.FreeRGB, PriorityLevel: 7, Reason: "no-data-default"}
	}
}

// AdvanceDebounce applies one raw reading to the debounce state machine of
// spec.md §4.3: a second consecutive matching reading within the debounce
// window promotes pending to stable; a differing reading resets pending.
func AdvanceDebounce(prev coord.DebounceState, raw translate.Occupancy, now time.Time, window time.Duration) coord.DebounceState {
	next := prev
	next.LastRawAt = now

	if prev.PendingValue == string(raw) && !prev.PendingSince.IsZero() && now.Sub(prev.PendingSince) <= window {
		next.PendingCount = prev.PendingCount + 1
		if next.PendingCount >= 2 {
			next.StableValue = string(raw)
			next.StableSince = now
		}
		return next
	}

	next.PendingValue = string(raw)
	next.PendingCount = 1
	next.PendingSince = now
	return next
}
