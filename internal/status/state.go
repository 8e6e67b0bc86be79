// internal/status/state.go
package status

import (
	"time"

	"github.com/tamzrod/pos-hal/internal/fault"
)

// Power is the online state of a device as last observed.
type Power uint8

const (
	PowerUnknown Power = iota
	PowerOnline
	PowerOffline
)

func (p Power) String() string {
	switch p {
	case PowerOnline:
		return "online"
	case PowerOffline:
		return "offline"
	}
	return "unknown"
}

// DeviceState is the authoritative snapshot of one device.
// Only the Reconciler mutates it; readers get copies.
type DeviceState struct {
	Power Power
	Cause fault.Kind // why the device went offline

	Code    int    // device specific health code, 0 = not yet known
	Text    string // human readable Code
	Faulted bool   // Code describes a condition that needs attention

	// Per-slot counts (coin dispenser). Logical slots aggregate duplicated
	// hardware slots.
	Counts   []int
	HWCounts []int

	// Last weighing (scale).
	Weight    int
	UnitPrice int64
	Price     int64

	At time.Time // last successful response
}

func (s DeviceState) clone() DeviceState {
	c := s
	if s.Counts != nil {
		c.Counts = append([]int(nil), s.Counts...)
	}
	if s.HWCounts != nil {
		c.HWCounts = append([]int(nil), s.HWCounts...)
	}
	return c
}
