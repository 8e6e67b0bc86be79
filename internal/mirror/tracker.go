// internal/mirror/tracker.go
package mirror

import (
	"github.com/tamzrod/pos-hal/internal/event"
	"github.com/tamzrod/pos-hal/internal/fault"
	"github.com/tamzrod/pos-hal/internal/status"
)

// tracker folds the event stream of one device into the snapshot the
// mirror publishes. It is owned by the sink's run loop.
type tracker struct {
	power    status.Power
	cause    fault.Kind
	faulted  bool
	released bool

	snap status.Snapshot
}

func newTracker() *tracker {
	return &tracker{snap: status.Snapshot{Health: status.HealthUnknown}}
}

// apply reports whether the snapshot changed.
func (t *tracker) apply(e event.Event) bool {
	prev := t.snap

	switch e.Kind {
	case event.KindPower:
		t.released = false
		if e.Online {
			t.power, t.cause = status.PowerOnline, fault.KindNone
		} else {
			t.power, t.cause = status.PowerOffline, e.Cause
		}
	case event.KindHealth:
		t.released = false
		t.faulted = e.Faulted
		t.snap.DeviceCode = uint16(e.Code)
	case event.KindReset:
		t.power, t.cause, t.faulted, t.released = status.PowerUnknown, fault.KindNone, false, true
		t.snap.DeviceCode = 0
	default:
		return false
	}

	t.derive()
	return t.snap != prev
}

func (t *tracker) derive() {
	t.snap.Power = uint16(t.power)

	var health, code uint16
	switch {
	case t.power == status.PowerOffline:
		health, code = status.HealthError, uint16(t.cause)
	case t.power == status.PowerOnline && t.faulted:
		health, code = status.HealthError, uint16(fault.DeviceFault)
	case t.power == status.PowerOnline:
		health = status.HealthOK
	case t.released:
		health = status.HealthDisabled
	default:
		health = status.HealthUnknown
	}

	// seconds_in_error restarts with every new error episode
	if health != status.HealthError || t.snap.Health != status.HealthError {
		t.snap.SecondsInError = 0
	}
	t.snap.Health, t.snap.LastErrorCode = health, code
}

// tick advances seconds_in_error while in error. It never wraps.
func (t *tracker) tick() bool {
	if t.snap.Health != status.HealthError || t.snap.SecondsInError == 0xFFFF {
		return false
	}
	t.snap.SecondsInError++
	return true
}
