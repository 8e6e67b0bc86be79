// internal/status/reconciler_test.go
package status

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/tamzrod/pos-hal/internal/event"
	"github.com/tamzrod/pos-hal/internal/fault"
)

type recorder struct {
	events []event.Event
}

func (r *recorder) Publish(e event.Event) { r.events = append(r.events, e) }

func ok(code int) Observation {
	return Observation{Responded: true, Code: code, Text: "ok"}
}

func failed(cause fault.Kind) Observation {
	return Observation{Responded: false, Cause: cause}
}

func TestReconciler(t *testing.T) {
	Convey("Given a fresh reconciler", t, func() {
		rec := &recorder{}
		r := NewReconciler("coin1", rec)

		Convey("the first answer emits online then health", func() {
			evs := r.Reconcile(ok(1))

			So(len(evs), ShouldEqual, 2)
			So(evs[0].Kind, ShouldEqual, event.KindPower)
			So(evs[0].Online, ShouldBeTrue)
			So(evs[1].Kind, ShouldEqual, event.KindHealth)
			So(evs[1].Code, ShouldEqual, 1)
			So(rec.events, ShouldResemble, evs)

			Convey("an identical answer emits nothing", func() {
				So(r.Reconcile(ok(1)), ShouldBeEmpty)
				So(len(rec.events), ShouldEqual, 2)
			})

			Convey("a changed health code emits exactly one health event", func() {
				evs := r.Reconcile(ok(12))
				So(len(evs), ShouldEqual, 1)
				So(evs[0].Kind, ShouldEqual, event.KindHealth)
				So(r.Snapshot().Code, ShouldEqual, 12)
			})
		})

		Convey("fail, fail, succeed from online yields offline then online only", func() {
			r.Reconcile(ok(1))
			rec.events = nil

			r.Reconcile(failed(fault.ChannelFault))
			r.Reconcile(failed(fault.ChannelFault))
			r.Reconcile(ok(1))

			So(len(rec.events), ShouldEqual, 2)
			So(rec.events[0].Online, ShouldBeFalse)
			So(rec.events[0].Cause, ShouldEqual, fault.ChannelFault)
			So(rec.events[1].Online, ShouldBeTrue)
		})

		Convey("offline keeps the last good payload", func() {
			r.Reconcile(Observation{Responded: true, Code: 1, Apply: func(s *DeviceState) {
				s.Counts = []int{5, 6}
			}})
			r.Reconcile(failed(fault.MalformedFrame))

			snap := r.Snapshot()
			So(snap.Power, ShouldEqual, PowerOffline)
			So(snap.Cause, ShouldEqual, fault.MalformedFrame)
			So(snap.Counts, ShouldResemble, []int{5, 6})
		})

		Convey("unknown to offline is a transition too", func() {
			evs := r.Reconcile(failed(fault.KindNone))
			So(len(evs), ShouldEqual, 1)
			So(evs[0].Cause, ShouldEqual, fault.ChannelFault)
		})

		Convey("snapshots are copies", func() {
			r.Reconcile(Observation{Responded: true, Code: 1, Apply: func(s *DeviceState) {
				s.Counts = []int{1}
			}})
			snap := r.Snapshot()
			snap.Counts[0] = 99
			So(r.Snapshot().Counts[0], ShouldEqual, 1)
		})

		Convey("reset returns to unknown and announces it once", func() {
			r.Reconcile(ok(1))
			rec.events = nil

			r.Reset()
			r.Reset()

			So(r.Snapshot().Power, ShouldEqual, PowerUnknown)
			So(len(rec.events), ShouldEqual, 1)
			So(rec.events[0].Kind, ShouldEqual, event.KindReset)
		})
	})
}
