// internal/mirror/sink_test.go
package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	cfg "github.com/tamzrod/pos-hal/internal/config"
	"github.com/tamzrod/pos-hal/internal/event"
	"github.com/tamzrod/pos-hal/internal/fault"
	"github.com/tamzrod/pos-hal/internal/status"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// slotValue replays the writes and returns the current value of one slot
// of the block at base.
func slotValue(calls []writeCall, base uint16, slot int) uint16 {
	var v uint16
	for _, c := range calls {
		at := int(base) + slot - int(c.addr)
		if at >= 0 && at < len(c.regs) {
			v = c.regs[at]
		}
	}
	return v
}

func TestStatusSink_FollowsEvents(t *testing.T) {
	cli := &fakeEndpointClient{}
	s := newStatusSink(cli, []Plan{testPlan()}, zerolog.Nop())
	s.every = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	base := uint16(2 * status.SlotsPerDevice)
	health := func() uint16 { return slotValue(cli.calls(), base, status.SlotHealthCode) }

	waitFor(t, "initial block", func() bool { return len(cli.calls()) > 0 })
	if first := cli.calls()[0]; len(first.regs) != status.SlotsPerDevice {
		t.Fatalf("initial write has %d regs", len(first.regs))
	}

	s.Publish(event.Event{Device: "coin1", Kind: event.KindPower, Online: true})
	waitFor(t, "health ok", func() bool { return health() == status.HealthOK })

	s.Publish(event.Event{Device: "coin1", Kind: event.KindPower, Cause: fault.ChannelFault})
	waitFor(t, "seconds in error", func() bool {
		return slotValue(cli.calls(), base, status.SlotSecondsInError) >= 2
	})
	if code := slotValue(cli.calls(), base, status.SlotLastErrorCode); code != uint16(fault.ChannelFault) {
		t.Fatalf("last error=%d", code)
	}

	// other devices are not mirrored
	s.Publish(event.Event{Device: "scale1", Kind: event.KindPower, Online: true})
	if len(s.events) != 0 {
		t.Fatalf("unmirrored event queued")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
	if !cli.closed {
		t.Fatalf("client not closed")
	}
}

func TestStatusSink_RetriesStaleBlock(t *testing.T) {
	cli := &fakeEndpointClient{fail: true}
	s := newStatusSink(cli, []Plan{testPlan()}, zerolog.Nop())
	s.every = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cli.setFail(false)

	waitFor(t, "block re-asserted", func() bool {
		for _, c := range cli.calls() {
			if len(c.regs) == status.SlotsPerDevice {
				return true
			}
		}
		return false
	})
}

func TestStatusSink_DropsWhenFull(t *testing.T) {
	s := newStatusSink(&fakeEndpointClient{}, []Plan{testPlan()}, zerolog.Nop())
	for i := 0; i < eventQueue+5; i++ {
		s.Publish(event.Event{Device: "coin1", Kind: event.KindHealth, Code: i})
	}
	if s.Dropped() != 5 {
		t.Fatalf("dropped=%d", s.Dropped())
	}
}

func TestBuildPlans(t *testing.T) {
	slot := uint16(3)
	plans := BuildPlans(cfg.MirrorConfig{UnitID: 7}, []cfg.DeviceConfig{
		{ID: "coin1", MirrorSlot: &slot},
		{ID: "scale1"},
		{ID: "totals", MirrorSlot: new(uint16), DeviceName: "TOTALS"},
	})
	if len(plans) != 2 {
		t.Fatalf("plans=%+v", plans)
	}
	if plans[0] != (Plan{DeviceID: "coin1", DeviceName: "coin1", UnitID: 7, BaseSlot: 3}) {
		t.Fatalf("plan[0]=%+v", plans[0])
	}
	if plans[1].DeviceName != "TOTALS" || plans[1].BaseSlot != 0 {
		t.Fatalf("plan[1]=%+v", plans[1])
	}
}

func TestBuild_UnknownProtocol(t *testing.T) {
	_, err := Build(&cfg.MirrorConfig{Endpoint: "127.0.0.1:1502", Protocol: "snmp"}, nil, zerolog.Nop())
	if err == nil {
		t.Fatalf("expected error")
	}
}
