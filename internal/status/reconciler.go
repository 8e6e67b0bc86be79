// internal/status/reconciler.go
package status

import (
	"sync"
	"time"

	"github.com/tamzrod/pos-hal/internal/event"
	"github.com/tamzrod/pos-hal/internal/fault"
)

// Observation is the outcome of one exchange with the device.
type Observation struct {
	// Responded is false when nothing usable came back (timeout, I/O error,
	// malformed frame). The device is then offline for Cause.
	Responded bool
	Cause     fault.Kind

	// Health category reported by the device. Ignored unless Responded.
	Code    int
	Text    string
	Faulted bool

	// Apply copies payload fields (counts, weight) into the state.
	// Called under the state lock, only when Responded.
	Apply func(s *DeviceState)
}

// Reconciler turns observations into state changes and change events.
// Every emitted event corresponds to an actual change.
type Reconciler struct {
	device string
	sink   event.Sink
	now    func() time.Time

	mu    sync.Mutex
	state DeviceState
}

func NewReconciler(device string, sink event.Sink) *Reconciler {
	if sink == nil {
		sink = event.Discard
	}
	return &Reconciler{device: device, sink: sink, now: time.Now}
}

// Reconcile applies o and publishes the resulting events after the lock is
// released. Order: online, health, offline.
func (r *Reconciler) Reconcile(o Observation) []event.Event {
	at := r.now()

	r.mu.Lock()
	var evs []event.Event

	if o.Responded {
		if r.state.Power != PowerOnline {
			r.state.Power = PowerOnline
			r.state.Cause = fault.KindNone
			evs = append(evs, event.Event{Device: r.device, Kind: event.KindPower, At: at, Online: true})
		}
		if o.Apply != nil {
			o.Apply(&r.state)
		}
		r.state.At = at
		if o.Code != 0 && (o.Code != r.state.Code || o.Faulted != r.state.Faulted) {
			r.state.Code = o.Code
			r.state.Text = o.Text
			r.state.Faulted = o.Faulted
			evs = append(evs, event.Event{
				Device: r.device, Kind: event.KindHealth, At: at,
				Code: o.Code, Text: o.Text, Faulted: o.Faulted,
			})
		}
	} else if r.state.Power != PowerOffline {
		cause := o.Cause
		if cause == fault.KindNone {
			cause = fault.ChannelFault
		}
		r.state.Power = PowerOffline
		r.state.Cause = cause
		evs = append(evs, event.Event{Device: r.device, Kind: event.KindPower, At: at, Online: false, Cause: cause})
	}
	r.mu.Unlock()

	for _, e := range evs {
		r.sink.Publish(e)
	}
	return evs
}

// Snapshot returns a copy of the current state.
func (r *Reconciler) Snapshot() DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

// Update runs fn under the state lock without emitting events.
func (r *Reconciler) Update(fn func(s *DeviceState)) {
	r.mu.Lock()
	fn(&r.state)
	r.mu.Unlock()
}

// Reset forgets everything after release. Power returns to unknown and a
// reset event is published if the device had been seen.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	seen := r.state.Power != PowerUnknown
	r.state = DeviceState{}
	r.mu.Unlock()

	if seen {
		r.sink.Publish(event.Event{Device: r.device, Kind: event.KindReset, At: r.now()})
	}
}

func (r *Reconciler) Device() string { return r.device }
