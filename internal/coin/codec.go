// internal/coin/codec.go
package coin

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/tamzrod/pos-hal/internal/fault"
)

// ---- SLOT GEOMETRY ----

// HWSlots is the number of physical coin tubes.
const HWSlots = 11

// MaxRespLen caps a response: "OK" + 11 x " nnn" + "\n".
const MaxRespLen = 2 + HWSlots*4 + 1

// Hardware slot indices, ordered by coin size as the device reports them.
const (
	HW1 = iota
	HW2a
	HW2b
	HW10
	HW5
	HW20a
	HW20b
	HW100
	HW50
	HW200a
	HW200b
)

// Denominations are the logical slots, ascending.
var Denominations = [...]int{1, 2, 5, 10, 20, 50, 100, 200}

// hwValue maps each hardware slot to its denomination.
var hwValue = [HWSlots]int{1, 2, 2, 10, 5, 20, 20, 100, 50, 200, 200}

// ---- ENCODE ----

// EncodeStatus builds the status request.
func EncodeStatus() []byte { return []byte("R\n") }

// EncodeDispense builds the dispense command: one 0/1 flag per hardware slot.
func EncodeDispense(sel Selection) []byte {
	var b strings.Builder
	b.WriteByte('O')
	for _, on := range sel {
		if on {
			b.WriteString(" 1")
		} else {
			b.WriteString(" 0")
		}
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// EncodeAdd builds the refill command: the number of coins added per
// hardware slot.
func EncodeAdd(add [HWSlots]int) []byte {
	b := []byte{'A'}
	for _, n := range add {
		b = append(b, ' ')
		b = strconv.AppendInt(b, int64(n), 10)
	}
	return append(b, '\n')
}

// ---- DECODE ----

// Response is one parsed reply.
type Response struct {
	Jam bool
	HW  [HWSlots]int
}

// Decode parses a raw frame including its trailing newline.
// "KO" yields a Jam response together with a DeviceFault.
func Decode(frame []byte, capacity int) (Response, error) {
	var r Response

	if len(frame) < 3 || frame[len(frame)-1] != '\n' {
		return r, fault.New(fault.MalformedFrame, "coin: decode", "frame %q not terminated", frame)
	}
	body := bytes.TrimRight(frame[:len(frame)-1], "\r")
	fields := strings.Fields(string(body))

	switch {
	case len(fields) == 1 && fields[0] == "KO":
		r.Jam = true
		return r, fault.New(fault.DeviceFault, "coin", "dispenser reports jam")
	case len(fields) == HWSlots+1 && fields[0] == "OK":
	default:
		return r, fault.New(fault.MalformedFrame, "coin: decode", "unexpected response %q", body)
	}

	for i := 0; i < HWSlots; i++ {
		n, err := strconv.Atoi(fields[i+1])
		if err != nil {
			return Response{}, fault.Wrap(fault.MalformedFrame, "coin: decode", err)
		}
		if n < 0 || (capacity > 0 && n > capacity) {
			return Response{}, fault.New(fault.MalformedFrame, "coin: decode", "slot %d count %d out of range", i, n)
		}
		r.HW[i] = n
	}
	return r, nil
}

// Counts aggregates hardware slots into logical denominations, in the
// order of Denominations.
func (r Response) Counts() []int {
	out := make([]int, len(Denominations))
	for i, n := range r.HW {
		out[denomIndex(hwValue[i])] += n
	}
	return out
}

func denomIndex(value int) int {
	for i, d := range Denominations {
		if d == value {
			return i
		}
	}
	return -1
}
