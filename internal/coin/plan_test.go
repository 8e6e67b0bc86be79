// internal/coin/plan_test.go
package coin

import (
	"testing"

	"github.com/tamzrod/pos-hal/internal/fault"
)

func full(n int) [HWSlots]int {
	var hw [HWSlots]int
	for i := range hw {
		hw[i] = n
	}
	return hw
}

func flags(sel Selection) string {
	return string(EncodeDispense(sel))
}

func TestPlan_499UsesBothTubes(t *testing.T) {
	sel, err := Plan(499, full(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 200+200+50+20+20+5+2+2
	if got, want := flags(sel), "O 0 1 1 0 1 1 1 0 1 1 1\n"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if sel.Amount() != 499 {
		t.Fatalf("amount=%d", sel.Amount())
	}
}

func TestPlan_388OneOfEach(t *testing.T) {
	sel, err := Plan(388, full(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// ties go to the second tube of each pair
	if got, want := flags(sel), "O 1 0 1 1 1 0 1 1 1 0 1\n"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestPlan_FullerTubeWins(t *testing.T) {
	hw := full(10)
	hw[HW200a], hw[HW200b] = 5, 3

	sel, err := Plan(200, hw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sel[HW200a] || sel[HW200b] {
		t.Fatalf("expected 200a only, got %q", flags(sel))
	}
}

func TestPlan_Bounds(t *testing.T) {
	if _, err := Plan(MaxAmount+1, full(10)); !fault.Is(err, fault.Illegal) {
		t.Fatalf("611: expected Illegal, got %v", err)
	}
	if _, err := Plan(-1, full(10)); !fault.Is(err, fault.Illegal) {
		t.Fatalf("-1: expected Illegal, got %v", err)
	}

	sel, err := Plan(MaxAmount, full(10))
	if err != nil {
		t.Fatalf("610: unexpected error: %v", err)
	}
	for i, on := range sel {
		if !on {
			t.Fatalf("610 must select every slot, slot %d off", i)
		}
	}

	sel, err = Plan(0, full(10))
	if err != nil || sel.Amount() != 0 {
		t.Fatalf("0: sel=%v err=%v", sel, err)
	}
}

func TestPlan_EveryAmountPayable(t *testing.T) {
	for amount := 0; amount <= MaxAmount; amount++ {
		sel, err := Plan(amount, full(10))
		if err != nil {
			t.Fatalf("amount %d: %v", amount, err)
		}
		if sel.Amount() != amount {
			t.Fatalf("amount %d: selection pays %d", amount, sel.Amount())
		}
	}
}
