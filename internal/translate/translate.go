// Package translate normalizes raw device payloads into occupancy signals
// (spec.md §4.3). Each device type registers a Decoder; unregistered types
// fall back to an orphan-type signal rather than failing the ingest.
package translate

import (
	"fmt"
	"strings"
	"sync"
)

// Occupancy is the normalized output of a decoder.
type Occupancy string

const (
	Occupied Occupancy = "occupied"
	Vacant   Occupancy = "vacant"
	Unknown  Occupancy = "unknown"
)

// Signal is a decoder's normalized reading.
type Signal struct {
	Occupancy   Occupancy
	Battery     *float64
	Temperature *float64
}

// Decoder maps raw uplink bytes on a given port to a Signal.
type Decoder interface {
	Decode(port int, payload []byte) (Signal, error)
}

// Registry dispatches by device type name, grounded on the teacher's
// map[string]*T registry pattern (infrastructure/chain.ContractRegistry).
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]Decoder)}
	r.Register("motion-sensor", MotionSensorDecoder{})
	r.Register("dual-role-indicator", DualRoleIndicatorDecoder{})
	return r
}

func (r *Registry) Register(deviceType string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[strings.ToLower(deviceType)] = d
}

// Decode looks up the decoder for deviceType. An unknown type is not an
// error: it is logged by the caller and recorded as an orphan type, with
// the reading stored but producing Unknown occupancy.
func (r *Registry) Decode(deviceType string, port int, payload []byte) (Signal, bool) {
	r.mu.RLock()
	d, ok := r.decoders[strings.ToLower(deviceType)]
	r.mu.RUnlock()
	if !ok {
		return Signal{Occupancy: Unknown}, false
	}
	sig, err := d.Decode(port, payload)
	if err != nil {
		return Signal{Occupancy: Unknown}, true
	}
	return sig, true
}

// MotionSensorDecoder reads a single-byte presence flag on port 2:
// 0x00 = vacant, 0x01 = occupied, anything else = unknown. Byte 1, if
// present, is battery percent.
type MotionSensorDecoder struct{}

func (MotionSensorDecoder) Decode(port int, payload []byte) (Signal, error) {
	if port != 2 || len(payload) < 1 {
		return Signal{}, fmt.Errorf("motion-sensor: unexpected port %d or empty payload", port)
	}
	sig := Signal{}
	switch payload[0] {
	case 0x00:
		sig.Occupancy = Vacant
	case 0x01:
		sig.Occupancy = Occupied
	default:
		sig.Occupancy = Unknown
	}
	if len(payload) >= 2 {
		battery := float64(payload[1])
		sig.Battery = &battery
	}
	return sig, nil
}

// DualRoleIndicatorDecoder reads a 2-byte frame on port 3: byte 0 is
// presence (same encoding as MotionSensorDecoder), byte 1 is a signed
// temperature in whole degrees C.
type DualRoleIndicatorDecoder struct{}

func (DualRoleIndicatorDecoder) Decode(port int, payload []byte) (Signal, error) {
	if port != 3 || len(payload) < 2 {
		return Signal{}, fmt.Errorf("dual-role-indicator: unexpected port %d or short payload", port)
	}
	sig := Signal{}
	switch payload[0] {
	case 0x00:
		sig.Occupancy = Vacant
	case 0x01:
		sig.Occupancy = Occupied
	default:
		sig.Occupancy = Unknown
	}
	temp := float64(int8(payload[1]))
	sig.Temperature = &temp
	return sig, nil
}
