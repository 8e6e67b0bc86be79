// internal/transport/framed.go
package transport

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/tamzrod/pos-hal/internal/fault"
)

// Framed is the request/response channel to one device.
// The stream is reused while healthy. On any I/O error it is discarded and
// the dialer is used again on the next Open or Write.
type Framed struct {
	name string
	dial Dialer
	log  zerolog.Logger

	mu sync.Mutex
	s  Stream
	t  Timeouts

	offline *atomic.Bool
	dials   *atomic.Int64
}

// New creates a closed channel. Nothing is dialled until Open or Write.
func New(name string, dial Dialer, t Timeouts, log zerolog.Logger) *Framed {
	return &Framed{
		name:    name,
		dial:    dial,
		log:     log.With().Str("device", name).Logger(),
		t:       t,
		offline: atomic.NewBool(false),
		dials:   atomic.NewInt64(0),
	}
}

// Open dials the device unless a stream is already open. In recovery mode
// dial failures are logged at debug level since they repeat every poll.
func (f *Framed) Open(recovery bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openLocked(recovery)
}

func (f *Framed) openLocked(recovery bool) error {
	if f.s != nil {
		return nil
	}
	f.dials.Inc()

	s, err := f.dial()
	if err != nil {
		f.offline.Store(true)
		if recovery {
			f.log.Debug().Err(err).Msg("reconnect failed")
		} else {
			f.log.Warn().Err(err).Msg("open failed")
		}
		return fault.Wrap(fault.ChannelFault, "transport: open", err)
	}

	f.s = s
	f.offline.Store(false)
	if recovery {
		f.log.Info().Msg("channel reconnected")
	}
	return nil
}

// Write sends one frame, reconnecting first if the channel was closed.
func (f *Framed) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.openLocked(true); err != nil {
		return err
	}
	for len(p) > 0 {
		n, err := f.s.Write(p)
		if err != nil {
			return f.failLocked("transport: write", err)
		}
		p = p[n:]
	}
	return nil
}

// ReadExactly reads n bytes. A silent device yields a Timeout fault, a frame
// that stops halfway yields MalformedFrame.
func (f *Framed) ReadExactly(n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]byte, 0, n)
	for len(out) < n {
		b, err := f.readByteLocked(len(out) == 0)
		if err != nil {
			return out, f.readErrLocked("transport: read", len(out), err)
		}
		out = append(out, b)
	}
	return out, nil
}

// ReadUntil reads up to and including delim. The delimiter must appear
// within max bytes, otherwise the frame is malformed.
func (f *Framed) ReadUntil(delim byte, max int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]byte, 0, max)
	for len(out) < max {
		b, err := f.readByteLocked(len(out) == 0)
		if err != nil {
			return out, f.readErrLocked("transport: read until", len(out), err)
		}
		out = append(out, b)
		if b == delim {
			return out, nil
		}
	}
	return out, fault.New(fault.MalformedFrame, "transport: read until", "no delimiter within %d bytes", max)
}

func (f *Framed) readByteLocked(first bool) (byte, error) {
	if f.s == nil {
		return 0, fault.New(fault.ChannelFault, "transport: read", "channel not open")
	}
	d := f.t.Character
	if first {
		d = f.t.Request
	}
	return f.s.ReadByteTimeout(d)
}

func (f *Framed) readErrLocked(op string, got int, err error) error {
	if fault.Is(err, fault.ChannelFault) {
		return err
	}
	if errors.Is(err, ErrTimeout) {
		if got == 0 {
			return fault.New(fault.Timeout, op, "no response")
		}
		return fault.New(fault.MalformedFrame, op, "frame incomplete after %d bytes", got)
	}
	return f.failLocked(op, err)
}

// Flush discards pending input. A closed channel has nothing to flush.
func (f *Framed) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.s == nil {
		return nil
	}
	if err := f.s.Flush(); err != nil {
		return f.failLocked("transport: flush", err)
	}
	return nil
}

// Fail closes the channel after a protocol level failure and marks it offline.
func (f *Framed) Fail(op string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failLocked(op, cause)
}

func (f *Framed) failLocked(op string, cause error) error {
	if f.s != nil {
		_ = f.s.Close()
		f.s = nil
	}
	f.offline.Store(true)
	f.log.Debug().Err(cause).Str("op", op).Msg("channel closed after fault")
	if fault.Is(cause, fault.ChannelFault) {
		return cause
	}
	return fault.Wrap(fault.ChannelFault, op, cause)
}

// Close is the orderly shutdown used on release. It does not mark the
// channel offline.
func (f *Framed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.s == nil {
		return nil
	}
	err := f.s.Close()
	f.s = nil
	return err
}

// SetTimeouts replaces the per-read timeouts for subsequent calls.
func (f *Framed) SetTimeouts(t Timeouts) {
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
}

func (f *Framed) Timeouts() Timeouts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Offline reports whether the last failure closed the channel.
func (f *Framed) Offline() bool { return f.offline.Load() }

// IsOpen reports whether a stream is currently connected.
func (f *Framed) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s != nil
}

// Dials counts dial attempts since creation.
func (f *Framed) Dials() int64 { return f.dials.Load() }

func (f *Framed) Name() string { return f.name }
