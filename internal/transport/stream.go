// internal/transport/stream.go
package transport

import (
	"errors"
	"io"
	"time"
)

// ErrTimeout is returned by ReadByteTimeout when no byte arrived in time.
var ErrTimeout = errors.New("transport: read timeout")

// Stream is one open byte-oriented connection (TCP socket or serial port).
type Stream interface {
	io.Writer
	io.Closer

	// ReadByteTimeout waits at most d for the next byte.
	ReadByteTimeout(d time.Duration) (byte, error)

	// Flush discards any input already received.
	Flush() error
}

// Dialer opens a fresh Stream. ONE attempt per call.
type Dialer func() (Stream, error)

// Timeouts bounds a response read: the first byte may take Request,
// every following byte of the same frame must arrive within Character.
type Timeouts struct {
	Request   time.Duration
	Character time.Duration
}
