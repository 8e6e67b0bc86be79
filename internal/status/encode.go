// internal/status/encode.go
package status

// Encode converts a Snapshot into the live part of a device status block.
// Layout is protocol-locked. Name slots are left zero.
// No IO. No side effects.
func Encode(s Snapshot) []uint16 {
	regs := make([]uint16, SlotsPerDevice)

	regs[SlotHealthCode] = s.Health
	regs[SlotLastErrorCode] = s.LastErrorCode
	regs[SlotSecondsInError] = s.SecondsInError
	regs[SlotPower] = s.Power
	regs[SlotDeviceCode] = s.DeviceCode

	return regs
}
