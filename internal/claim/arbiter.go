// internal/claim/arbiter.go
package claim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tamzrod/pos-hal/internal/event"
	"github.com/tamzrod/pos-hal/internal/fault"
)

// Forever waits without a deadline.
const Forever time.Duration = -1

// Owner identifies a logical caller.
type Owner string

// Resource is a device or one of its sub-resources.
type Resource struct {
	file   bool
	handle int
}

// Device is the whole-device resource.
func Device() Resource { return Resource{} }

// File is a sub-resource keyed by handle.
func File(handle int) Resource { return Resource{file: true, handle: handle} }

func (r Resource) String() string {
	if r.file {
		return fmt.Sprintf("file:%d", r.handle)
	}
	return "device"
}

// record is one owned resource. wake is closed on release so every waiter
// sees it at once.
type record struct {
	owner Owner
	wake  chan struct{}
}

// Arbiter serialises ownership of the resources of one device.
// Waiters are not queued: a release wakes all of them and whoever locks
// the table first wins. Each waiter re-checks its own deadline.
type Arbiter struct {
	device string
	sink   event.Sink

	mu    sync.Mutex
	table map[Resource]*record
}

func newArbiter(device string, sink event.Sink) *Arbiter {
	if sink == nil {
		sink = event.Discard
	}
	return &Arbiter{device: device, sink: sink, table: make(map[Resource]*record)}
}

// Claim acquires res for owner, waiting up to timeout (or Forever).
// A zero timeout never waits. Claiming something already owned by the
// same owner succeeds immediately.
func (a *Arbiter) Claim(ctx context.Context, res Resource, owner Owner, timeout time.Duration) error {
	if owner == "" {
		return fault.New(fault.Illegal, "claim", "owner required")
	}
	if timeout < 0 && timeout != Forever {
		return fault.New(fault.Illegal, "claim", "invalid timeout %v", timeout)
	}

	var deadline time.Time
	if timeout != Forever {
		deadline = time.Now().Add(timeout)
	}
	expired := false

	for {
		a.mu.Lock()
		rec := a.table[res]
		if rec == nil {
			a.table[res] = &record{owner: owner, wake: make(chan struct{})}
			a.mu.Unlock()
			return nil
		}
		if rec.owner == owner {
			a.mu.Unlock()
			return nil
		}
		holder, wake := rec.owner, rec.wake
		a.mu.Unlock()

		if timeout == 0 {
			return fault.New(fault.AlreadyClaimed, "claim", "%s %s owned by %s", a.device, res, holder)
		}
		if expired {
			return fault.New(fault.Timeout, "claim", "%s %s still owned by %s", a.device, res, holder)
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if timeout != Forever {
			timer = time.NewTimer(time.Until(deadline))
			fire = timer.C
		}

		select {
		case <-wake:
		case <-fire:
			expired = true
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return fault.Wrap(fault.Timeout, "claim", ctx.Err())
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// TryClaim is Claim with a zero timeout.
func (a *Arbiter) TryClaim(res Resource, owner Owner) error {
	return a.Claim(context.Background(), res, owner, 0)
}

// Release gives res up and wakes every waiter.
func (a *Arbiter) Release(res Resource, owner Owner) error {
	a.mu.Lock()
	rec := a.table[res]
	if rec == nil || rec.owner != owner {
		a.mu.Unlock()
		return fault.New(fault.Illegal, "release", "%s %s not owned by %s", a.device, res, owner)
	}
	delete(a.table, res)
	close(rec.wake)
	a.mu.Unlock()

	a.sink.Publish(event.Event{Device: a.device, Kind: event.KindClaim, At: time.Now(), Resource: res.String()})
	return nil
}

// ReleaseAll drops every resource held by owner and returns how many.
func (a *Arbiter) ReleaseAll(owner Owner) int {
	a.mu.Lock()
	var freed []Resource
	for res, rec := range a.table {
		if rec.owner == owner {
			delete(a.table, res)
			close(rec.wake)
			freed = append(freed, res)
		}
	}
	a.mu.Unlock()

	for _, res := range freed {
		a.sink.Publish(event.Event{Device: a.device, Kind: event.KindClaim, At: time.Now(), Resource: res.String()})
	}
	return len(freed)
}

// Owner returns the current owner of res.
func (a *Arbiter) Owner(res Resource) (Owner, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec := a.table[res]; rec != nil {
		return rec.owner, true
	}
	return "", false
}

// Check fails when res is owned by somebody other than owner.
// An unowned resource passes.
func (a *Arbiter) Check(res Resource, owner Owner) error {
	holder, ok := a.Owner(res)
	if ok && holder != owner {
		return fault.New(fault.AlreadyClaimed, "check", "%s %s owned by %s", a.device, res, holder)
	}
	return nil
}

// Holds reports whether owner currently owns res.
func (a *Arbiter) Holds(res Resource, owner Owner) bool {
	holder, ok := a.Owner(res)
	return ok && holder == owner
}

func (a *Arbiter) Device() string { return a.device }
