package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lorapark/control-plane/internal/coord"
	"github.com/lorapark/control-plane/internal/domain"
	"github.com/lorapark/control-plane/internal/translate"
)

func testPolicy() *domain.DisplayPolicy {
	return domain.DefaultPolicy("tenant-1")
}

func TestEvaluateOutOfServiceBeatsEverything(t *testing.T) {
	now := time.Now()
	in := Inputs{
		Now:    now,
		Policy: testPolicy(),
		Override: &domain.AdminOverride{Reason: domain.OverrideOutOfService, StartsAt: now.Add(-time.Minute)},
		ActiveReservation: &domain.Reservation{Start: now.Add(-time.Minute), End: now.Add(time.Hour), Status: domain.ReservationConfirmed},
	}
	out := Evaluate(in)
	assert.Equal(t, StateMaintenance, out.State)
	assert.Equal(t, 1, out.PriorityLevel)
}

func TestEvaluateActiveReservationBeatsSensor(t *testing.T) {
	now := time.Now()
	in := Inputs{
		Now:    now,
		Policy: testPolicy(),
		ActiveReservation: &domain.Reservation{Start: now.Add(-time.Minute), End: now.Add(time.Hour), Status: domain.ReservationConfirmed},
		Debounce: coord.DebounceState{StableValue: string(translate.Vacant), LastRawAt: now},
	}
	out := Evaluate(in)
	assert.Equal(t, StateReserved, out.State)
	assert.Equal(t, 3, out.PriorityLevel)
}

func TestEvaluateReservedSoon(t *testing.T) {
	now := time.Now()
	in := Inputs{
		Now:    now,
		Policy: testPolicy(),
		UpcomingReservation: &domain.Reservation{Start: now.Add(5 * time.Minute), End: now.Add(time.Hour), Status: domain.ReservationConfirmed},
		ReservedSoonWindow:  15 * time.Minute,
		Debounce:            coord.DebounceState{StableValue: string(translate.Vacant), LastRawAt: now},
	}
	out := Evaluate(in)
	assert.Equal(t, StateReserved, out.State)
	assert.Equal(t, 4, out.PriorityLevel)
}

func TestEvaluateSensorOccupied(t *testing.T) {
	now := time.Now()
	in := Inputs{
		Now:            now,
		Policy:         testPolicy(),
		Debounce:       coord.DebounceState{StableValue: string(translate.Occupied), LastRawAt: now},
		UnknownTimeout: time.Minute,
	}
	out := Evaluate(in)
	assert.Equal(t, StateOccupied, out.State)
	assert.Equal(t, 5, out.PriorityLevel)
}

func TestEvaluateHoldsLastStableOnSilence(t *testing.T) {
	now := time.Now()
	prev := &TargetDisplay{State: StateOccupied, ColorRGB: "FF0000", PriorityLevel: 5}
	in := Inputs{
		Now:            now,
		Policy:         testPolicy(),
		Debounce:       coord.DebounceState{StableValue: string(translate.Occupied), LastRawAt: now.Add(-time.Hour)},
		UnknownTimeout: time.Minute,
		PreviousStable: prev,
	}
	out := Evaluate(in)
	assert.Equal(t, StateOccupied, out.State)
	assert.Equal(t, "hold-last-stable", out.Reason)
}

func TestEvaluateDefaultsToFreeWithNoData(t *testing.T) {
	now := time.Now()
	in := Inputs{Now: now, Policy: testPolicy(), UnknownTimeout: time.Minute}
	out := Evaluate(in)
	assert.Equal(t, StateFree, out.State)
	assert.Equal(t, 7, out.PriorityLevel)
}

func TestAdvanceDebouncePromotesOnSecondMatchingReading(t *testing.T) {
	now := time.Now()
	window := 30 * time.Second

	first := AdvanceDebounce(coord.DebounceState{}, translate.Occupied, now, window)
	assert.Equal(t, "", first.StableValue)
	assert.Equal(t, 1, first.PendingCount)

	second := AdvanceDebounce(first, translate.Occupied, now.Add(5*time.Second), window)
	assert.Equal(t, string(translate.Occupied), second.StableValue)
}

func TestAdvanceDebounceResetsOnDifferingReading(t *testing.T) {
	now := time.Now()
	window := 30 * time.Second

	pending := AdvanceDebounce(coord.DebounceState{}, translate.Occupied, now, window)
	reset := AdvanceDebounce(pending, translate.Vacant, now.Add(5*time.Second), window)
	assert.Equal(t, string(translate.Vacant), reset.PendingValue)
	assert.Equal(t, 1, reset.PendingCount)
	assert.Equal(t, "", reset.StableValue)
}

func TestAdvanceDebounceResetsOutsideWindow(t *testing.T) {
	now := time.Now()
	window := 10 * time.Second

	pending := AdvanceDebounce(coord.DebounceState{}, translate.Occupied, now, window)
	late := AdvanceDebounce(pending, translate.Occupied, now.Add(time.Minute), window)
	assert.Equal(t, 1, late.PendingCount)
	assert.Equal(t, "", late.StableValue)
}
