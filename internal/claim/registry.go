// internal/claim/registry.go
package claim

import (
	"sort"
	"sync"

	"github.com/tamzrod/pos-hal/internal/event"
)

// Registry holds one Arbiter per device. Pass it to every component that
// needs claims instead of sharing package state.
type Registry struct {
	sink event.Sink

	mu       sync.Mutex
	arbiters map[string]*Arbiter
}

func NewRegistry(sink event.Sink) *Registry {
	return &Registry{sink: sink, arbiters: make(map[string]*Arbiter)}
}

// Arbiter returns the arbiter for device, creating it on first use.
func (r *Registry) Arbiter(device string) *Arbiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.arbiters[device]
	if !ok {
		a = newArbiter(device, r.sink)
		r.arbiters[device] = a
	}
	return a
}

// Devices lists the devices that have an arbiter, sorted.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.arbiters))
	for id := range r.arbiters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
