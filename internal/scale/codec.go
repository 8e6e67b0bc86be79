// internal/scale/codec.go
package scale

import (
	"fmt"
	"strconv"

	"github.com/tamzrod/pos-hal/internal/fault"
	"github.com/tamzrod/pos-hal/internal/transport"
)

// Control characters of the scale dialog.
const (
	ACK = 0x06
	NAK = 0x15
	STX = 0x02
	ESC = 0x1B
	ETX = 0x03
	ENQ = 0x05
	EOT = 0x04
)

// Record lengths including STX and ETX.
const (
	statusRecordLen = 7
	weightRecordLen = 26
)

// Wire limits.
const (
	MaxUnitPrice = 100000000 // exclusive, 1/10000 currency units
	MaxTextLen   = 13
	maxTare      = 9999
)

// ---- ENCODE ----

// Every request starts with EOT, which also closes any unfinished dialog.

// EncodeStatus builds the status request (record 08).
func EncodeStatus() []byte { return []byte{EOT, STX, '0', '8', ETX} }

// EncodeWeight builds the weight request.
func EncodeWeight() []byte { return []byte{EOT, ENQ} }

// EncodeUnitPrice builds setup record 01. Prices are in 1/10000 currency
// units, the wire carries 1/100.
func EncodeUnitPrice(price int64) []byte {
	return []byte(fmt.Sprintf("\x04\x0201\x1b%06d\x1b\x03", price/100))
}

// EncodeTare builds setup record 03: unit price and tare weight.
func EncodeTare(price int64, tare int) []byte {
	return []byte(fmt.Sprintf("\x04\x0203\x1b%06d\x1b%04d\x03", price/100, tare))
}

// EncodeText builds setup record 04: unit price and display text.
func EncodeText(price int64, text string) []byte {
	return []byte(fmt.Sprintf("\x04\x0204\x1b%06d\x1b%-13s\x03", price/100, text))
}

func isStatusRequest(frame []byte) bool {
	return len(frame) == 5 && frame[1] == STX && frame[2] == '0' && frame[3] == '8'
}

// ---- DECODE ----

// ReplyKind tells which answer came back.
type ReplyKind uint8

const (
	ReplyNone ReplyKind = iota
	ReplyAck
	ReplyStatus
	ReplyWeight
)

// Reply is one parsed answer.
type Reply struct {
	Kind ReplyKind

	// ReplyStatus
	Status int

	// ReplyWeight
	Weight    int
	UnitPrice int64 // 1/10000 currency units
	Price     int64 // 1/10000 currency units
}

// ReadReply reads one answer. NAK yields a Nak fault. After STX the rest of
// the record must follow within the character timeout.
func ReadReply(ch *transport.Framed) (Reply, error) {
	head, err := ch.ReadExactly(1)
	if err != nil {
		return Reply{}, err
	}

	switch head[0] {
	case ACK:
		return Reply{Kind: ReplyAck}, nil
	case NAK:
		return Reply{}, fault.New(fault.Nak, "scale", "request rejected")
	case STX:
	default:
		return Reply{}, fault.New(fault.MalformedFrame, "scale: read", "unexpected byte 0x%02x", head[0])
	}

	t := ch.Timeouts()
	ch.SetTimeouts(transport.Timeouts{Request: t.Character, Character: t.Character})
	defer ch.SetTimeouts(t)

	// "0" + record type + ESC
	kind, err := ch.ReadExactly(3)
	if err != nil {
		return Reply{}, incomplete(err)
	}
	rest := statusRecordLen - 4
	if kind[1] == '2' {
		rest = weightRecordLen - 4
	}
	tail, err := ch.ReadExactly(rest)
	if err != nil {
		return Reply{}, incomplete(err)
	}

	frame := make([]byte, 0, 4+len(tail))
	frame = append(frame, STX)
	frame = append(frame, kind...)
	frame = append(frame, tail...)
	return DecodeRecord(frame)
}

// incomplete turns a silent continuation into a malformed frame: STX was
// already seen.
func incomplete(err error) error {
	if fault.Is(err, fault.Timeout) {
		return fault.New(fault.MalformedFrame, "scale: read", "record incomplete")
	}
	return err
}

// DecodeRecord parses a complete STX ... ETX record.
//
//	status: STX 0 9 ESC s s ETX
//	weight: STX 0 2 ESC 3 ESC wwwww ESC pppppp ESC ssssss ETX
func DecodeRecord(frame []byte) (Reply, error) {
	n := len(frame)
	if n < statusRecordLen || frame[0] != STX || frame[3] != ESC || frame[n-1] != ETX {
		return Reply{}, fault.New(fault.MalformedFrame, "scale: decode", "bad record %q", frame)
	}

	switch {
	case n == statusRecordLen && frame[1] == '0' && frame[2] == '9':
		st, err := digits(frame[4:6])
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: ReplyStatus, Status: int(st)}, nil

	case n == weightRecordLen && frame[1] == '0' && frame[2] == '2' && frame[4] == '3' &&
		frame[5] == ESC && frame[11] == ESC && frame[18] == ESC:
		w, err := digits(frame[6:11])
		if err != nil {
			return Reply{}, err
		}
		up, err := digits(frame[12:18])
		if err != nil {
			return Reply{}, err
		}
		sp, err := digits(frame[19:25])
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: ReplyWeight, Weight: int(w), UnitPrice: up * 100, Price: sp * 100}, nil
	}
	return Reply{}, fault.New(fault.MalformedFrame, "scale: decode", "unknown record %q", frame)
}

// digits parses a fixed width unsigned decimal field.
func digits(b []byte) (int64, error) {
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fault.New(fault.MalformedFrame, "scale: decode", "non digit in %q", b)
		}
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fault.Wrap(fault.MalformedFrame, "scale: decode", err)
	}
	return v, nil
}
