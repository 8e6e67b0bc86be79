// internal/coin/device_test.go
package coin

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/pos-hal/internal/claim"
	cfg "github.com/tamzrod/pos-hal/internal/config"
	"github.com/tamzrod/pos-hal/internal/event"
	"github.com/tamzrod/pos-hal/internal/fault"
	"github.com/tamzrod/pos-hal/internal/sim"
	"github.com/tamzrod/pos-hal/internal/status"
)

const owner = claim.Owner("pos1")

type recorder struct {
	mu  sync.Mutex
	evs []event.Event
}

func (r *recorder) Publish(e event.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, e)
	r.mu.Unlock()
}

// power lists the online flags of all power events so far.
func (r *recorder) power() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bool
	for _, e := range r.evs {
		if e.Kind == event.KindPower {
			out = append(out, e.Online)
		}
	}
	return out
}

func deviceConfig(endpoint string) cfg.DeviceConfig {
	return cfg.DeviceConfig{
		ID:     "coin1",
		Kind:   cfg.KindCoinDispenser,
		Source: cfg.SourceConfig{Endpoint: endpoint, DialTimeoutMs: 200},
		Timing: cfg.TimingConfig{
			RequestTimeoutMs:   100,
			CharacterTimeoutMs: 20,
			PollIntervalMs:     20,
			MinClaimTimeoutMs:  100,
		},
		Coin: cfg.CoinConfig{NearLimit: 2, SlotCapacity: 999},
	}
}

func startSim(t *testing.T, counts [HWSlots]int) *sim.Coin {
	t.Helper()
	s, err := sim.NewCoin("", counts, zerolog.Nop())
	if err != nil {
		t.Fatalf("sim: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = s.Close()
	})
	return s
}

func claimed(t *testing.T, s *sim.Coin) (*Dispenser, *recorder) {
	t.Helper()
	rec := &recorder{}
	c, err := New(deviceConfig(s.Addr()), claim.NewRegistry(rec), rec, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Claim(context.Background(), owner, time.Second); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	t.Cleanup(func() { _ = c.Release(owner) })
	return c, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_WrongKind(t *testing.T) {
	d := deviceConfig("127.0.0.1:1")
	d.Kind = cfg.KindScale
	if _, err := New(d, claim.NewRegistry(nil), nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for scale config")
	}
}

func TestClaim_NoHardwareBacksOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	reg := claim.NewRegistry(nil)
	c, err := New(deviceConfig(addr), reg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = c.Claim(context.Background(), owner, 300*time.Millisecond)
	if !fault.Is(err, fault.NoHardware) {
		t.Fatalf("expected NoHardware, got %v", err)
	}
	if _, held := reg.Arbiter("coin1").Owner(claim.Device()); held {
		t.Fatalf("claim must be backed out")
	}
	if c.State().Power != status.PowerUnknown {
		t.Fatalf("power=%v want unknown", c.State().Power)
	}
}

func TestClaim_SecondOwnerRejected(t *testing.T) {
	s := startSim(t, full(10))
	c, _ := claimed(t, s)

	// zero is raised to the minimum claim timeout, so this waits and times out
	start := time.Now()
	if err := c.Claim(context.Background(), "pos2", 0); !fault.Is(err, fault.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if waited := time.Since(start); waited < 90*time.Millisecond {
		t.Fatalf("waited only %v", waited)
	}
	if err := c.DispenseChange(context.Background(), "pos2", 1); !fault.Is(err, fault.AlreadyClaimed) {
		t.Fatalf("expected AlreadyClaimed, got %v", err)
	}
}

func TestClaim_FirstPollPopulatesState(t *testing.T) {
	s := startSim(t, full(10))
	c, rec := claimed(t, s)

	st := c.State()
	if st.Power != status.PowerOnline || st.Code != StatusOK {
		t.Fatalf("state=%+v", st)
	}
	if len(st.Counts) != len(Denominations) || st.Counts[1] != 20 {
		t.Fatalf("counts=%v", st.Counts)
	}
	if p := rec.power(); len(p) != 1 || !p[0] {
		t.Fatalf("power events=%v", p)
	}
}

func TestDispense_SendsPlannedFrame(t *testing.T) {
	s := startSim(t, full(10))
	c, _ := claimed(t, s)

	if err := c.DispenseChange(context.Background(), owner, 499); err != nil {
		t.Fatalf("dispense: %v", err)
	}
	cmds := s.Commands("O")
	if len(cmds) != 1 || cmds[0] != "O 0 1 1 0 1 1 1 0 1 1 1" {
		t.Fatalf("commands=%q", cmds)
	}
	if got := s.Counts(); got[HW200a] != 9 || got[HW1] != 10 {
		t.Fatalf("sim counts=%v", got)
	}
	if c.State().HWCounts[HW200b] != 9 {
		t.Fatalf("state not updated from reply: %v", c.State().HWCounts)
	}
}

func TestDispense_IllegalAmountSendsNothing(t *testing.T) {
	s := startSim(t, full(10))
	c, _ := claimed(t, s)

	if err := c.DispenseChange(context.Background(), owner, MaxAmount+1); !fault.Is(err, fault.Illegal) {
		t.Fatalf("expected Illegal, got %v", err)
	}
	if cmds := s.Commands("O"); len(cmds) != 0 {
		t.Fatalf("no dispense frame expected, got %q", cmds)
	}
}

func TestDispense_JamIsDeviceFault(t *testing.T) {
	s := startSim(t, full(10))
	c, rec := claimed(t, s)

	s.SetJam(true)
	err := c.DispenseChange(context.Background(), owner, 5)
	if !fault.Is(err, fault.DeviceFault) {
		t.Fatalf("expected DeviceFault, got %v", err)
	}
	if !strings.Contains(err.Error(), "check slots") {
		t.Fatalf("message=%q", err.Error())
	}

	st := c.State()
	if st.Code != StatusJam || !st.Faulted || st.Power != status.PowerOnline {
		t.Fatalf("state=%+v", st)
	}
	if p := rec.power(); len(p) != 1 {
		t.Fatalf("a jam must not flip power, events=%v", p)
	}

	if _, _, err := c.ReadCashCounts(owner, ""); !fault.Is(err, fault.DeviceFault) {
		t.Fatalf("counts while jammed: expected DeviceFault, got %v", err)
	}
}

func TestDispense_CancelledCallerKeepsDeviceOnline(t *testing.T) {
	s := startSim(t, full(10))
	c, rec := claimed(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.DispenseChange(ctx, owner, 5); !fault.Is(err, fault.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if cmds := s.Commands("O"); len(cmds) != 0 {
		t.Fatalf("no dispense frame expected, got %q", cmds)
	}

	// polling carries on over the same channel
	time.Sleep(60 * time.Millisecond)
	if st := c.State(); st.Power != status.PowerOnline {
		t.Fatalf("power=%v", st.Power)
	}
	if p := rec.power(); len(p) != 1 || !p[0] {
		t.Fatalf("power events=%v want [true]", p)
	}
	if err := c.DispenseChange(context.Background(), owner, 5); err != nil {
		t.Fatalf("dispense after cancel: %v", err)
	}
}

func TestTryDispense_BusyWhileCommandRuns(t *testing.T) {
	s := startSim(t, full(10))
	c, _ := claimed(t, s)

	c.cmdMu.Lock()
	err := c.TryDispenseChange(context.Background(), owner, 5)
	c.cmdMu.Unlock()
	if !fault.Is(err, fault.Busy) {
		t.Fatalf("expected Busy, got %v", err)
	}
	if cmds := s.Commands("O"); len(cmds) != 0 {
		t.Fatalf("no dispense frame expected, got %q", cmds)
	}

	if err := c.TryDispenseChange(context.Background(), owner, 5); err != nil {
		t.Fatalf("idle dispense: %v", err)
	}
	if cmds := s.Commands("O"); len(cmds) != 1 {
		t.Fatalf("commands=%q", cmds)
	}
}

func TestReconnect_PowerEvents(t *testing.T) {
	s := startSim(t, full(10))
	c, rec := claimed(t, s)

	s.SetSilent(true)
	waitFor(t, "offline", func() bool { return c.State().Power == status.PowerOffline })

	if err := c.DispenseChange(context.Background(), owner, 1); !fault.Is(err, fault.Offline) {
		t.Fatalf("expected fail-fast Offline, got %v", err)
	}

	s.SetSilent(false)
	waitFor(t, "online", func() bool { return c.State().Power == status.PowerOnline })

	// let a few more polls pass, they must not add events
	time.Sleep(100 * time.Millisecond)

	p := rec.power()
	if len(p) != 3 || !p[0] || p[1] || !p[2] {
		t.Fatalf("power events=%v want [true false true]", p)
	}
}

func TestReadCashCounts(t *testing.T) {
	hw := full(3)
	hw[HW2a], hw[HW2b] = 4, 6
	s := startSim(t, hw)
	c, _ := claimed(t, s)

	got, disc, err := c.ReadCashCounts(owner, "")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if got != "1:3,2:10,5:3,10:3,20:6,50:3,100:3,200:6" || disc {
		t.Fatalf("counts=%q discrepancy=%v", got, disc)
	}

	got, disc, err = c.ReadCashCounts(owner, "200:0,2:0")
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if got != "200:6,2:10" || !disc {
		t.Fatalf("template counts=%q discrepancy=%v", got, disc)
	}

	if _, _, err := c.ReadCashCounts(owner, "3:0"); !fault.Is(err, fault.Illegal) {
		t.Fatalf("expected Illegal for coin value 3, got %v", err)
	}
}

func TestRefill_AddsCoins(t *testing.T) {
	s := startSim(t, full(1))
	c, rec := claimed(t, s)

	if c.State().Code != StatusNearEmpty {
		t.Fatalf("code=%d want near empty", c.State().Code)
	}

	if err := c.Refill(context.Background(), owner, full(9)); err != nil {
		t.Fatalf("refill: %v", err)
	}
	if got := s.Counts(); got[HW50] != 10 {
		t.Fatalf("sim counts=%v", got)
	}
	if c.State().Code != StatusOK {
		t.Fatalf("code=%d want ok", c.State().Code)
	}

	var health []int
	rec.mu.Lock()
	for _, e := range rec.evs {
		if e.Kind == event.KindHealth {
			health = append(health, e.Code)
		}
	}
	rec.mu.Unlock()
	if len(health) != 2 || health[0] != StatusNearEmpty || health[1] != StatusOK {
		t.Fatalf("health events=%v", health)
	}
}

func TestCheckHealth(t *testing.T) {
	s := startSim(t, full(10))
	c, _ := claimed(t, s)

	txt, err := c.CheckHealth(context.Background(), owner, HealthInternal)
	if err != nil || txt != "Internal CheckHealth: OK." {
		t.Fatalf("internal=%q err=%v", txt, err)
	}

	txt, err = c.CheckHealth(context.Background(), owner, HealthExternal)
	if err != nil || txt != "External CheckHealth: OK." {
		t.Fatalf("external=%q err=%v", txt, err)
	}

	s.SetJam(true)
	txt, err = c.CheckHealth(context.Background(), owner, HealthExternal)
	if err != nil || txt != "External CheckHealth: Jam." {
		t.Fatalf("jammed=%q err=%v", txt, err)
	}
}

func TestRelease_StopsPolling(t *testing.T) {
	s := startSim(t, full(10))
	rec := &recorder{}
	c, err := New(deviceConfig(s.Addr()), claim.NewRegistry(rec), rec, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Claim(context.Background(), owner, time.Second); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := c.Release("pos2"); !fault.Is(err, fault.Illegal) {
		t.Fatalf("release by stranger: expected Illegal, got %v", err)
	}
	if err := c.Release(owner); err != nil {
		t.Fatalf("Release: %v", err)
	}

	n := len(s.Commands("R"))
	time.Sleep(80 * time.Millisecond)
	if m := len(s.Commands("R")); m != n {
		t.Fatalf("polls after release: %d -> %d", n, m)
	}
	if c.State().Power != status.PowerUnknown {
		t.Fatalf("power=%v want unknown", c.State().Power)
	}
}
