// internal/status/constants.go
package status

// Status block geometry, as seen by the status mirror. The layout is
// shared with whatever reads the mirror, so none of it is configurable.
const (
	SlotsPerDevice = 20

	SlotHealthCode     = 0
	SlotLastErrorCode  = 1 // fault code of the last failure
	SlotSecondsInError = 2
	SlotPower          = 3 // Power value
	SlotDeviceCode     = 4 // raw device status (coin health, scale status record)

	// 5..10 unused
	SlotReservedStart = 5
	SlotReservedEnd   = 10

	// The device name sits at the tail of the block, two ASCII chars per slot.
	SlotDeviceNameStart = 11
	SlotDeviceNameSlots = 8
	SlotDeviceNameEnd   = SlotDeviceNameStart + SlotDeviceNameSlots - 1
	DeviceNameMaxChars  = SlotDeviceNameSlots * 2
)

// Health codes written to SlotHealthCode.
const (
	HealthUnknown  uint16 = 0 // boot, or never polled
	HealthOK       uint16 = 1
	HealthError    uint16 = 2
	HealthStale    uint16 = 3 // reserved for readers that age the block out
	HealthDisabled uint16 = 4 // released by its owner
)
