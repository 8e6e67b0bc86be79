// internal/transport/serial.go
package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

// SerialConfig describes a serial line.
type SerialConfig struct {
	Port     string
	Baud     int
	DataBits int
	Parity   string // none | odd | even | mark | space
	StopBits int    // 1 | 2
}

type serialStream struct {
	port    serial.Port
	timeout time.Duration
}

// SerialDialer returns a Dialer opening the configured serial port.
func SerialDialer(cfg SerialConfig) Dialer {
	return func() (Stream, error) {
		mode, err := serialMode(cfg)
		if err != nil {
			return nil, err
		}
		p, err := serial.Open(cfg.Port, mode)
		if err != nil {
			return nil, fmt.Errorf("transport serial: open %s: %w", cfg.Port, err)
		}
		return &serialStream{port: p, timeout: -1}, nil
	}
}

func serialMode(cfg SerialConfig) (*serial.Mode, error) {
	if cfg.Port == "" {
		return nil, errors.New("transport serial: port required")
	}

	m := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: cfg.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}

	switch cfg.StopBits {
	case 0, 1:
	case 2:
		m.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("transport serial: unsupported stop bits %d", cfg.StopBits)
	}

	switch strings.ToLower(cfg.Parity) {
	case "", "none":
	case "odd":
		m.Parity = serial.OddParity
	case "even":
		m.Parity = serial.EvenParity
	case "mark":
		m.Parity = serial.MarkParity
	case "space":
		m.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("transport serial: unsupported parity %q", cfg.Parity)
	}

	return m, nil
}

func (s *serialStream) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialStream) ReadByteTimeout(d time.Duration) (byte, error) {
	if d != s.timeout {
		if err := s.port.SetReadTimeout(d); err != nil {
			return 0, err
		}
		s.timeout = d
	}
	var buf [1]byte
	n, err := s.port.Read(buf[:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return buf[0], nil
}

func (s *serialStream) Flush() error {
	return s.port.ResetInputBuffer()
}

func (s *serialStream) Close() error {
	return s.port.Close()
}
