// internal/sim/scale.go
package sim

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Scale control characters.
const (
	scaleACK = 0x06
	scaleNAK = 0x15
	scaleSTX = 0x02
	scaleESC = 0x1B
	scaleETX = 0x03
	scaleENQ = 0x05
	scaleEOT = 0x04
)

// Scale simulates a price computing scale speaking the EOT/ENQ/STX dialog.
//
// ENQ is answered with a weight record when a stable weight is available
// and with NAK otherwise; the client then asks for the status record
// (STX "08" ETX) to learn why. Setup records 01, 03 and 04 are answered
// with ACK, or NAK when malformed.
type Scale struct {
	*server

	mu        sync.Mutex
	status    int // forced status, 0 = derive from state
	gross     int
	tare      int
	unitPrice int // as sent on the wire, in 1/100 of the currency unit
	text      string
	weighed   bool
	silent    bool
	nakSetup  bool
	nakStatus bool
	frames    []string
}

func NewScale(addr string, log zerolog.Logger) (*Scale, error) {
	s := &Scale{}
	srv, err := listen(addr, log.With().Str("sim", "scale").Logger(), s.handle)
	if err != nil {
		return nil, err
	}
	s.server = srv
	return s, nil
}

// Start runs Serve in the background until ctx is done.
func (s *Scale) Start(ctx context.Context) {
	go func() { _ = s.Serve(ctx) }()
}

func (s *Scale) handle(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}

		var req string
		switch b {
		case scaleEOT:
			continue
		case scaleENQ:
			req = string(rune(scaleENQ))
		case scaleSTX:
			body, err := r.ReadString(scaleETX)
			if err != nil {
				return
			}
			req = string(rune(scaleSTX)) + body
		default:
			continue
		}

		reply := s.apply(req)
		if reply == nil {
			continue
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

func (s *Scale) apply(req string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames = record(s.frames, req)
	if s.silent {
		return nil
	}
	if req[0] == scaleENQ {
		if s.currentStatus() != 0 {
			return []byte{scaleNAK}
		}
		s.weighed = true
		nw := s.gross - s.tare
		sale := (nw*s.unitPrice + 500) / 1000
		return []byte(fmt.Sprintf("\x0202\x1b3\x1b%05d\x1b%06d\x1b%06d\x03", nw, s.unitPrice, sale))
	}

	// STX tt [ESC fields...] ETX
	body := strings.TrimSuffix(req[1:], string(rune(scaleETX)))
	if len(body) < 2 {
		return []byte{scaleNAK}
	}
	fields := strings.Split(body[2:], string(rune(scaleESC)))

	switch body[:2] {
	case "08":
		if s.nakStatus {
			return []byte{scaleNAK}
		}
		return []byte(fmt.Sprintf("\x0209\x1b%02d\x03", s.currentStatus()))
	case "01", "03", "04":
		if s.nakSetup {
			return []byte{scaleNAK}
		}
		// fields[0] is empty: the record type is followed by ESC
		if len(fields) != 3 || fields[0] != "" || len(fields[1]) != 6 {
			return []byte{scaleNAK}
		}
		price, err := strconv.Atoi(fields[1])
		if err != nil {
			return []byte{scaleNAK}
		}
		switch body[:2] {
		case "03":
			tare, err := strconv.Atoi(fields[2])
			if err != nil || len(fields[2]) != 4 {
				return []byte{scaleNAK}
			}
			s.tare = tare
		case "04":
			if len(fields[2]) != 13 {
				return []byte{scaleNAK}
			}
			s.text = strings.TrimRight(fields[2], " ")
		default:
			if fields[2] != "" {
				return []byte{scaleNAK}
			}
		}
		if price != s.unitPrice {
			s.weighed = false
		}
		s.unitPrice = price
		return []byte{scaleACK}
	}
	return []byte{scaleNAK}
}

// currentStatus derives the status record value. Caller holds mu.
func (s *Scale) currentStatus() int {
	switch {
	case s.status != 0:
		return s.status
	case s.gross-s.tare < 0:
		return 31
	case s.gross-s.tare == 0:
		return 30
	case s.unitPrice == 0:
		return 22
	case s.weighed:
		return 21
	}
	return 0
}

// Put places weight (grams) on the scale.
func (s *Scale) Put(weight int) {
	s.mu.Lock()
	s.gross = weight
	s.weighed = false
	s.mu.Unlock()
}

// SetStatus forces a status code (20 motion, 32 overload, ...); 0 clears it.
func (s *Scale) SetStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

func (s *Scale) SetSilent(on bool) {
	s.mu.Lock()
	s.silent = on
	s.mu.Unlock()
}

// SetNakSetup rejects every setup record with NAK.
func (s *Scale) SetNakSetup(on bool) {
	s.mu.Lock()
	s.nakSetup = on
	s.mu.Unlock()
}

// SetNakStatus rejects status requests with NAK.
func (s *Scale) SetNakStatus(on bool) {
	s.mu.Lock()
	s.nakStatus = on
	s.mu.Unlock()
}

// Text returns the displayed text.
func (s *Scale) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// Tare returns the tare weight last set.
func (s *Scale) Tare() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tare
}

// UnitPrice returns the unit price as received on the wire.
func (s *Scale) UnitPrice() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unitPrice
}

// Frames returns the most recent requests, control characters kept.
func (s *Scale) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}
