// internal/mirror/types.go
package mirror

import "github.com/tamzrod/pos-hal/internal/status"

// Plan places one device's status block in the mirror memory.
type Plan struct {
	DeviceID   string
	DeviceName string
	UnitID     uint8
	BaseSlot   uint16
}

// StatusWriter delivers a snapshot into status memory. It does not
// interpret the snapshot.
type StatusWriter interface {
	WriteStatus(s status.Snapshot) error
}

// endpointClient is the contract both mirror protocols implement.
type endpointClient interface {
	WriteRegisters(area byte, unitID uint8, addr uint16, regs []uint16) error
	Close() error
}

// areaHoldingRegisters is the only memory area the mirror writes.
const areaHoldingRegisters byte = 3
