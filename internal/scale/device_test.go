// internal/scale/device_test.go
package scale

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/pos-hal/internal/claim"
	cfg "github.com/tamzrod/pos-hal/internal/config"
	"github.com/tamzrod/pos-hal/internal/fault"
	"github.com/tamzrod/pos-hal/internal/sim"
	"github.com/tamzrod/pos-hal/internal/status"
)

const owner = claim.Owner("pos1")

func scaleConfig(endpoint string) cfg.DeviceConfig {
	return cfg.DeviceConfig{
		ID:     "scale1",
		Kind:   cfg.KindScale,
		Source: cfg.SourceConfig{Endpoint: endpoint, DialTimeoutMs: 200},
		Timing: cfg.TimingConfig{
			RequestTimeoutMs:   100,
			CharacterTimeoutMs: 20,
			PollIntervalMs:     20,
		},
		Scale: cfg.ScaleConfig{MaximumWeight: 5000, DefaultTare: 2},
	}
}

func startScale(t *testing.T) *sim.Scale {
	t.Helper()
	s, err := sim.NewScale("", zerolog.Nop())
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

func enabled(t *testing.T, s *sim.Scale) *Scale {
	t.Helper()
	sc, err := New(scaleConfig(s.Addr()), claim.NewRegistry(nil), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sc.Claim(context.Background(), owner, time.Second); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := sc.Enable(context.Background(), owner); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	t.Cleanup(func() { _ = sc.Release(owner) })
	return sc
}

func TestEnable_RequiresClaim(t *testing.T) {
	s := startScale(t)
	sc, err := New(scaleConfig(s.Addr()), claim.NewRegistry(nil), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sc.Enable(context.Background(), owner); !fault.Is(err, fault.Illegal) {
		t.Fatalf("expected Illegal, got %v", err)
	}
}

func TestEnable_NoHardware(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	sc, err := New(scaleConfig(addr), claim.NewRegistry(nil), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sc.Claim(context.Background(), owner, 0); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := sc.Enable(context.Background(), owner); !fault.Is(err, fault.NoHardware) {
		t.Fatalf("expected NoHardware, got %v", err)
	}
	if err := sc.Release(owner); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestReadWeight_PricedWeighing(t *testing.T) {
	s := startScale(t)
	sc := enabled(t, s)

	if err := sc.SetUnitPrice(context.Background(), owner, 250000); err != nil {
		t.Fatalf("unit price: %v", err)
	}
	if s.UnitPrice() != 2500 {
		t.Fatalf("sim unit price=%d", s.UnitPrice())
	}

	s.Put(1500)
	w, err := sc.ReadWeight(context.Background(), owner, time.Second)
	if err != nil {
		t.Fatalf("read weight: %v", err)
	}
	if w.Weight != 1500 || w.UnitPrice != 250000 || w.Price != 375000 {
		t.Fatalf("weighing=%+v", w)
	}
	if st := sc.State(); st.Weight != 1500 || st.Price != 375000 {
		t.Fatalf("state=%+v", st)
	}

	// nothing moved since
	_, err = sc.ReadWeight(context.Background(), owner, time.Second)
	if fe, ok := err.(*fault.Error); !ok || fe.Kind != fault.Extended || fe.Extended != ExtSameWeight {
		t.Fatalf("expected same weight, got %v", err)
	}
}

func TestReadWeight_StatusMapping(t *testing.T) {
	s := startScale(t)
	sc := enabled(t, s)
	if err := sc.SetUnitPrice(context.Background(), owner, 100000); err != nil {
		t.Fatalf("unit price: %v", err)
	}
	s.Put(700)

	s.SetStatus(StatusOverload)
	_, err := sc.ReadWeight(context.Background(), owner, 0)
	if fe, ok := err.(*fault.Error); !ok || fe.Kind != fault.Extended || fe.Extended != ExtOverweight {
		t.Fatalf("overload: got %v", err)
	}

	s.SetStatus(StatusMotion)
	start := time.Now()
	_, err = sc.ReadWeight(context.Background(), owner, 0)
	if !fault.Is(err, fault.Timeout) {
		t.Fatalf("motion: expected Timeout, got %v", err)
	}
	// zero is raised to (MaxRetry+2) * RequestTimeout
	if waited := time.Since(start); waited < 200*time.Millisecond {
		t.Fatalf("gave up after %v", waited)
	}

	s.SetStatus(99)
	if _, err := sc.ReadWeight(context.Background(), owner, 0); !fault.Is(err, fault.DeviceFault) {
		t.Fatalf("unknown status: expected DeviceFault, got %v", err)
	}

	s.SetStatus(0)
	if _, err := sc.ReadWeight(context.Background(), owner, 0); err != nil {
		t.Fatalf("cleared: %v", err)
	}
}

func TestReadWeight_MotionSettles(t *testing.T) {
	s := startScale(t)
	sc := enabled(t, s)
	if err := sc.SetUnitPrice(context.Background(), owner, 100000); err != nil {
		t.Fatalf("unit price: %v", err)
	}
	s.Put(320)
	s.SetStatus(StatusMotion)

	go func() {
		time.Sleep(80 * time.Millisecond)
		s.SetStatus(0)
	}()

	w, err := sc.ReadWeight(context.Background(), owner, time.Second)
	if err != nil {
		t.Fatalf("read weight: %v", err)
	}
	if w.Weight != 320 {
		t.Fatalf("weight=%d", w.Weight)
	}
}

func TestReadWeight_NoUnitPrice(t *testing.T) {
	s := startScale(t)
	sc := enabled(t, s)
	s.Put(100)

	if _, err := sc.ReadWeight(context.Background(), owner, 0); !fault.Is(err, fault.Illegal) {
		t.Fatalf("expected Illegal, got %v", err)
	}
}

func TestSetup_ArgumentChecks(t *testing.T) {
	s := startScale(t)
	sc := enabled(t, s)
	before := len(s.Frames())

	if err := sc.SetUnitPrice(context.Background(), owner, MaxUnitPrice); !fault.Is(err, fault.Illegal) {
		t.Fatalf("price: expected Illegal, got %v", err)
	}
	if err := sc.Tare(context.Background(), owner, 5000); !fault.Is(err, fault.Illegal) {
		t.Fatalf("tare: expected Illegal, got %v", err)
	}
	if err := sc.DisplayText(context.Background(), owner, "FOURTEEN CHARS"); !fault.Is(err, fault.Illegal) {
		t.Fatalf("text: expected Illegal, got %v", err)
	}
	if err := sc.SetZeroValid(true); !fault.Is(err, fault.Illegal) {
		t.Fatalf("zero valid: expected Illegal, got %v", err)
	}

	for _, f := range s.Frames()[before:] {
		if f[0] == STX && f[1:3] != "08" {
			t.Fatalf("setup frame sent for a rejected argument: %q", f)
		}
	}
}

func TestSetup_TareAndText(t *testing.T) {
	s := startScale(t)
	sc := enabled(t, s)

	if err := sc.Tare(context.Background(), owner, 120); err != nil {
		t.Fatalf("tare: %v", err)
	}
	if s.Tare() != 120 || sc.TareWeight() != 120 {
		t.Fatalf("tare sim=%d scale=%d", s.Tare(), sc.TareWeight())
	}

	if err := sc.DisplayText(context.Background(), owner, "APPLES"); err != nil {
		t.Fatalf("text: %v", err)
	}
	if s.Text() != "APPLES" || sc.Text() != "APPLES" {
		t.Fatalf("text sim=%q scale=%q", s.Text(), sc.Text())
	}
}

func TestSetup_NakFollowedByStatusRequest(t *testing.T) {
	s := startScale(t)
	sc := enabled(t, s)

	// empty scale: the status record says 30
	s.SetNakSetup(true)
	err := sc.SetUnitPrice(context.Background(), owner, 100)
	if !fault.Is(err, fault.DeviceFault) {
		t.Fatalf("expected DeviceFault, got %v", err)
	}
	if sc.UnitPrice() != 0 {
		t.Fatalf("rejected price must not be kept")
	}
	if sc.State().Power != status.PowerOnline {
		t.Fatalf("power=%v", sc.State().Power)
	}

	frames := s.Frames()
	for i, f := range frames {
		if f == "\x0201\x1b000001\x1b\x03" {
			if i+1 >= len(frames) || frames[i+1] != "\x0208\x03" {
				t.Fatalf("setup record not followed by status request: %q", frames[i:])
			}
			return
		}
	}
	t.Fatalf("setup record never sent: %q", frames)
}

func TestStatusNak_KeepsScaleOnline(t *testing.T) {
	s := startScale(t)
	sc := enabled(t, s)
	if err := sc.SetUnitPrice(context.Background(), owner, 100000); err != nil {
		t.Fatalf("unit price: %v", err)
	}

	s.SetNakStatus(true)
	// several status polls are rejected
	time.Sleep(120 * time.Millisecond)
	if st := sc.State(); st.Power != status.PowerOnline {
		t.Fatalf("power=%v after rejected status requests", st.Power)
	}

	// weight NAKed, then the status request NAKed as well
	s.SetStatus(StatusMotion)
	if _, err := sc.ReadWeight(context.Background(), owner, 0); !fault.Is(err, fault.DeviceFault) {
		t.Fatalf("expected DeviceFault, got %v", err)
	}
	if st := sc.State(); st.Power != status.PowerOnline {
		t.Fatalf("power=%v", st.Power)
	}
}

func TestCheckHealth_RestoresSettings(t *testing.T) {
	s := startScale(t)
	sc := enabled(t, s)
	if err := sc.SetUnitPrice(context.Background(), owner, 50000); err != nil {
		t.Fatalf("unit price: %v", err)
	}
	if err := sc.DisplayText(context.Background(), owner, "PEARS"); err != nil {
		t.Fatalf("text: %v", err)
	}
	s.Put(250)

	txt, err := sc.CheckHealth(context.Background(), owner, HealthExternal)
	if err != nil || txt != "External CheckHealth: OK" {
		t.Fatalf("external=%q err=%v", txt, err)
	}
	if s.UnitPrice() != 500 || s.Text() != "PEARS" {
		t.Fatalf("not restored: price=%d text=%q", s.UnitPrice(), s.Text())
	}

	txt, _ = sc.CheckHealth(context.Background(), owner, HealthInternal)
	if txt != "Internal CheckHealth: OK" {
		t.Fatalf("internal=%q", txt)
	}
}
