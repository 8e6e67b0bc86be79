// internal/coin/plan.go
package coin

import "github.com/tamzrod/pos-hal/internal/fault"

// MaxAmount is the largest amount one dispense can pay out:
// 2x200 + 100 + 50 + 2x20 + 10 + 5 + 2x2 + 1.
const MaxAmount = 610

// Selection flags the hardware slots that release one coin.
type Selection [HWSlots]bool

// Amount sums the selected coins.
func (s Selection) Amount() int {
	total := 0
	for i, on := range s {
		if on {
			total += hwValue[i]
		}
	}
	return total
}

// Plan picks coins greedily from the largest denomination down. Every slot
// releases at most one coin. When only one coin of a doubled denomination
// is needed, the tube with more coins is used; on a tie the second tube.
func Plan(amount int, hw [HWSlots]int) (Selection, error) {
	var sel Selection

	if amount < 0 || amount > MaxAmount {
		return sel, fault.New(fault.Illegal, "coin: dispense", "amount %d out of range 0..%d", amount, MaxAmount)
	}
	want := amount

	single := func(slot int) {
		if amount >= hwValue[slot] {
			sel[slot] = true
			amount -= hwValue[slot]
		}
	}
	pair := func(a, b int) {
		v := hwValue[a]
		switch {
		case amount >= 2*v:
			sel[a], sel[b] = true, true
			amount -= 2 * v
		case amount >= v:
			if hw[a] > hw[b] {
				sel[a] = true
			} else {
				sel[b] = true
			}
			amount -= v
		}
	}

	pair(HW200a, HW200b)
	single(HW100)
	single(HW50)
	pair(HW20a, HW20b)
	single(HW10)
	single(HW5)
	pair(HW2a, HW2b)
	single(HW1)

	if amount != 0 {
		return Selection{}, fault.New(fault.Illegal, "coin: dispense", "amount %d cannot be paid", want)
	}
	return sel, nil
}
