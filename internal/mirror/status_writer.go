// internal/mirror/status_writer.go
package mirror

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tamzrod/pos-hal/internal/status"
)

// deviceStatusWriter writes one device block. The first write, and the first
// write after any failure, re-asserts the whole block including the name.
// Otherwise only changed slots are written.
type deviceStatusWriter struct {
	plan Plan
	cli  endpointClient

	needFull bool
	last     status.Snapshot
	nameRegs []uint16
}

func newDeviceStatusWriter(plan Plan, cli endpointClient) *deviceStatusWriter {
	return &deviceStatusWriter{
		plan:     plan,
		cli:      cli,
		needFull: true,
		last:     status.Snapshot{Health: status.HealthUnknown},
		nameRegs: encodeDeviceNameRegs(plan.DeviceName),
	}
}

// liveSlots lists the slots compared on incremental writes.
var liveSlots = []struct {
	slot uint16
	name string
	get  func(s *status.Snapshot) *uint16
}{
	{status.SlotHealthCode, "health", func(s *status.Snapshot) *uint16 { return &s.Health }},
	{status.SlotLastErrorCode, "last_error", func(s *status.Snapshot) *uint16 { return &s.LastErrorCode }},
	{status.SlotSecondsInError, "seconds_in_error", func(s *status.Snapshot) *uint16 { return &s.SecondsInError }},
	{status.SlotPower, "power", func(s *status.Snapshot) *uint16 { return &s.Power }},
	{status.SlotDeviceCode, "device_code", func(s *status.Snapshot) *uint16 { return &s.DeviceCode }},
}

func (sw *deviceStatusWriter) WriteStatus(s status.Snapshot) error {
	if sw.cli == nil {
		return fmt.Errorf("mirror: %s: no client", sw.plan.DeviceID)
	}

	base := sw.baseAddr()

	if sw.needFull {
		if err := sw.cli.WriteRegisters(areaHoldingRegisters, sw.plan.UnitID, base, sw.fullBlockRegs(s)); err != nil {
			return fmt.Errorf("mirror: %s: full block write failed: %w", sw.plan.DeviceID, err)
		}
		sw.needFull = false
		sw.last = s
		return nil
	}

	var errs []string
	for _, ls := range liveSlots {
		want := *ls.get(&s)
		have := ls.get(&sw.last)
		if *have == want {
			continue
		}
		if err := sw.cli.WriteRegisters(areaHoldingRegisters, sw.plan.UnitID, base+ls.slot, []uint16{want}); err != nil {
			errs = append(errs, fmt.Sprintf("%s write failed: %v", ls.name, err))
			continue
		}
		*have = want
	}

	if len(errs) > 0 {
		sw.needFull = true
		return errors.New("mirror: " + sw.plan.DeviceID + ": " + strings.Join(errs, " | "))
	}
	return nil
}

func (sw *deviceStatusWriter) baseAddr() uint16 {
	return sw.plan.BaseSlot * status.SlotsPerDevice
}

func (sw *deviceStatusWriter) fullBlockRegs(s status.Snapshot) []uint16 {
	regs := status.Encode(s)
	copy(regs[status.SlotDeviceNameStart:status.SlotDeviceNameEnd+1], sw.nameRegs)
	return regs
}

// encodeDeviceNameRegs packs up to DeviceNameMaxChars ASCII characters two
// per register, high byte first. Non-printable bytes become '?'.
func encodeDeviceNameRegs(name string) []uint16 {
	out := make([]uint16, status.SlotDeviceNameSlots)

	b := []byte(name)
	if len(b) > status.DeviceNameMaxChars {
		b = b[:status.DeviceNameMaxChars]
	}
	for i, c := range b {
		if c < 0x20 || c > 0x7E {
			c = '?'
		}
		if i%2 == 0 {
			out[i/2] |= uint16(c) << 8
		} else {
			out[i/2] |= uint16(c)
		}
	}
	return out
}
