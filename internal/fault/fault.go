// internal/fault/fault.go
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The numeric value is stable and is what the
// status mirror publishes as last_error_code.
type Kind uint16

const (
	KindNone Kind = iota

	// ChannelFault: the byte stream failed (I/O error, retries exhausted).
	ChannelFault
	// MalformedFrame: bytes arrived but did not form a valid response.
	MalformedFrame
	// DeviceFault: the device answered with an explicit fault (jam, KO).
	DeviceFault
	// Busy: a command is already outstanding and the caller asked not to wait.
	Busy
	// AlreadyClaimed: the resource is owned by another caller.
	AlreadyClaimed
	// Timeout: a bounded wait expired.
	Timeout
	// Illegal: invalid argument or call sequence.
	Illegal
	// NoHardware: nothing answered the first poll after enable.
	NoHardware
	// Offline: the device is known to be offline, command not attempted.
	Offline
	// NotExist: named object does not exist.
	NotExist
	// Exists: named object already exists.
	Exists
	// NoRoom: not enough space left in the store.
	NoRoom
	// Extended: device-specific failure; see Error.Extended.
	Extended
	// Nak: the device rejected the last frame, resend without counting a retry.
	Nak
)

var kindNames = map[Kind]string{
	KindNone:       "none",
	ChannelFault:   "channel fault",
	MalformedFrame: "malformed frame",
	DeviceFault:    "device fault",
	Busy:           "busy",
	AlreadyClaimed: "already claimed",
	Timeout:        "timeout",
	Illegal:        "illegal",
	NoHardware:     "no hardware",
	Offline:        "offline",
	NotExist:       "does not exist",
	Exists:         "exists",
	NoRoom:         "no room",
	Extended:       "extended",
	Nak:            "nak",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

// Error is the typed failure returned by every device operation.
type Error struct {
	Kind     Kind
	Op       string
	Msg      string
	Extended int // device specific sub-code, only set for Kind == Extended
	Err      error
}

func (e *Error) Error() string {
	s := e.Op
	if s != "" {
		s += ": "
	}
	s += e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Code exposes the kind as a numeric error code.
func (e *Error) Code() uint16 { return uint16(e.Kind) }

// Is matches another *Error by kind, so errors.Is(err, fault.Sentinel(k)) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// New builds an error of kind k.
func New(k Kind, op, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind k to err. A nil err yields nil.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// Ext builds an Extended error carrying a device-specific code.
func Ext(op string, code int, format string, args ...any) *Error {
	return &Error{Kind: Extended, Op: op, Extended: code, Msg: fmt.Sprintf(format, args...)}
}

// Sentinel returns a bare error of kind k for use with errors.Is.
func Sentinel(k Kind) error { return &Error{Kind: k} }

// KindOf returns the kind of the outermost *Error in the chain, or KindNone.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNone
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Responded reports whether err (or its absence) proves the device answered.
// Explicit device faults count as answers; channel and framing problems do not.
func Responded(err error) bool {
	if err == nil {
		return true
	}
	switch KindOf(err) {
	case DeviceFault, Extended, Illegal, Nak:
		return true
	}
	return false
}

// Root returns the kind of the innermost *Error in the chain, or KindNone.
func Root(err error) Kind {
	k := KindNone
	for err != nil {
		if fe, ok := err.(*Error); ok {
			k = fe.Kind
		}
		err = errors.Unwrap(err)
	}
	return k
}
