// internal/mirror/status_writer_test.go
package mirror

import (
	"errors"
	"sync"
	"testing"

	"github.com/tamzrod/pos-hal/internal/status"
)

// ---- fake endpoint client ----

type writeCall struct {
	unitID uint8
	addr   uint16
	regs   []uint16
}

type fakeEndpointClient struct {
	mu     sync.Mutex
	writes []writeCall
	fail   bool
	closed bool
}

func (f *fakeEndpointClient) WriteRegisters(area byte, unitID uint8, addr uint16, regs []uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if area != areaHoldingRegisters {
		return errors.New("bad area")
	}
	if f.fail {
		return errors.New("link down")
	}
	f.writes = append(f.writes, writeCall{unitID: unitID, addr: addr, regs: append([]uint16(nil), regs...)})
	return nil
}

func (f *fakeEndpointClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEndpointClient) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeEndpointClient) calls() []writeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]writeCall(nil), f.writes...)
}

func (f *fakeEndpointClient) last() writeCall {
	c := f.calls()
	if len(c) == 0 {
		return writeCall{}
	}
	return c[len(c)-1]
}

// ---- tests ----

func testPlan() Plan {
	return Plan{DeviceID: "coin1", DeviceName: "COIN-01", UnitID: 1, BaseSlot: 2}
}

func TestStatusWriter_NameOnFullAssertOnly(t *testing.T) {
	cli := &fakeEndpointClient{}
	sw := newDeviceStatusWriter(testPlan(), cli)

	if err := sw.WriteStatus(status.Snapshot{Health: status.HealthOK, Power: 1}); err != nil {
		t.Fatalf("initial full assert failed: %v", err)
	}

	w := cli.last()
	if len(w.regs) != status.SlotsPerDevice {
		t.Fatalf("expected full block (%d regs), got %d", status.SlotsPerDevice, len(w.regs))
	}
	if w.addr != 2*status.SlotsPerDevice || w.unitID != 1 {
		t.Fatalf("full block at unit=%d addr=%d", w.unitID, w.addr)
	}
	// "CO" "IN" "-0" "1\0"
	want := []uint16{0x434F, 0x494E, 0x2D30, 0x3100, 0, 0, 0, 0}
	for i, v := range want {
		if got := w.regs[status.SlotDeviceNameStart+i]; got != v {
			t.Fatalf("name slot %d: got=%#04x want=%#04x", i, got, v)
		}
	}
	if w.regs[status.SlotPower] != 1 {
		t.Fatalf("power slot=%d", w.regs[status.SlotPower])
	}

	if err := sw.WriteStatus(status.Snapshot{Health: status.HealthError, LastErrorCode: 7, Power: 2}); err != nil {
		t.Fatalf("incremental write failed: %v", err)
	}
	for _, c := range cli.calls()[1:] {
		if len(c.regs) != 1 {
			t.Fatalf("incremental update rewrote %d registers", len(c.regs))
		}
	}
	if n := len(cli.calls()); n != 4 {
		t.Fatalf("expected 3 slot writes after full assert, got %d", n-1)
	}
}

func TestStatusWriter_SecondsResetOnRecovery(t *testing.T) {
	cli := &fakeEndpointClient{}
	sw := newDeviceStatusWriter(testPlan(), cli)

	if err := sw.WriteStatus(status.Snapshot{Health: status.HealthError, LastErrorCode: 1, SecondsInError: 3}); err != nil {
		t.Fatalf("error snapshot: %v", err)
	}
	if err := sw.WriteStatus(status.Snapshot{Health: status.HealthError, LastErrorCode: 1, SecondsInError: 0}); err != nil {
		t.Fatalf("recovery snapshot: %v", err)
	}

	w := cli.last()
	if w.addr != 2*status.SlotsPerDevice+status.SlotSecondsInError {
		t.Fatalf("unexpected write addr %d", w.addr)
	}
	if len(w.regs) != 1 || w.regs[0] != 0 {
		t.Fatalf("seconds_in_error not reset: %v", w.regs)
	}
}

func TestStatusWriter_FailureForcesFullBlock(t *testing.T) {
	cli := &fakeEndpointClient{}
	sw := newDeviceStatusWriter(testPlan(), cli)

	_ = sw.WriteStatus(status.Snapshot{Health: status.HealthOK})

	cli.setFail(true)
	if err := sw.WriteStatus(status.Snapshot{Health: status.HealthError, LastErrorCode: 9}); err == nil {
		t.Fatalf("expected error while link is down")
	}
	cli.setFail(false)

	if err := sw.WriteStatus(status.Snapshot{Health: status.HealthError, LastErrorCode: 9}); err != nil {
		t.Fatalf("write after recovery: %v", err)
	}
	w := cli.last()
	if len(w.regs) != status.SlotsPerDevice {
		t.Fatalf("expected full re-assert, got %d regs", len(w.regs))
	}
	if w.regs[status.SlotLastErrorCode] != 9 {
		t.Fatalf("last error=%d", w.regs[status.SlotLastErrorCode])
	}
}

func TestEncodeDeviceNameRegs_TruncatesAndSanitizes(t *testing.T) {
	regs := encodeDeviceNameRegs("AB\x01DEFGHIJKLMNOPQRS")
	if len(regs) != status.SlotDeviceNameSlots {
		t.Fatalf("len=%d", len(regs))
	}
	if regs[0] != 0x4142 || regs[1] != 0x3F44 {
		t.Fatalf("regs=%#04x", regs[:2])
	}
	if regs[7] != 0x4F50 {
		t.Fatalf("last reg=%#04x, want 'OP'", regs[7])
	}
}
