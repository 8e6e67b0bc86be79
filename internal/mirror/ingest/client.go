// internal/mirror/ingest/client.go
package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Raw ingest v1 header:
//
//	0-1  magic "RI"
//	2    version
//	3    area
//	4-5  unit id
//	6-7  address
//	8-9  count
//	10+  payload
const (
	headerLen = 10
	versionV1 = 0x01

	respOK       byte = 0x00
	respRejected byte = 0x01
)

var magic = [2]byte{'R', 'I'}

// ErrRejected is returned when the endpoint refuses a packet.
var ErrRejected = errors.New("mirror ingest: rejected")

// EndpointClient sends one packet per connection and waits for the status
// byte. It holds no connection between writes.
type EndpointClient struct {
	endpoint string
	timeout  time.Duration
}

type Config struct {
	Endpoint string
	Timeout  time.Duration
}

func NewEndpointClient(cfg Config) (*EndpointClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("mirror ingest: endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &EndpointClient{endpoint: cfg.Endpoint, timeout: cfg.Timeout}, nil
}

func (c *EndpointClient) Close() error { return nil }

func (c *EndpointClient) WriteRegisters(area byte, unitID uint8, addr uint16, regs []uint16) error {
	payload := make([]byte, 2*len(regs))
	for i, r := range regs {
		binary.BigEndian.PutUint16(payload[2*i:], r)
	}
	return c.send(encodePacket(area, unitID, addr, uint16(len(regs)), payload))
}

func (c *EndpointClient) send(pkt []byte) error {
	conn, err := net.DialTimeout("tcp", c.endpoint, c.timeout)
	if err != nil {
		return fmt.Errorf("mirror ingest: dial: %w", err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(pkt); err != nil {
		return fmt.Errorf("mirror ingest: write: %w", err)
	}

	var resp [1]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return fmt.Errorf("mirror ingest: read status: %w", err)
	}
	switch resp[0] {
	case respOK:
		return nil
	case respRejected:
		return ErrRejected
	}
	return fmt.Errorf("mirror ingest: unknown status 0x%02x", resp[0])
}

func encodePacket(area byte, unitID uint8, addr, count uint16, payload []byte) []byte {
	pkt := make([]byte, headerLen, headerLen+len(payload))
	copy(pkt, magic[:])
	pkt[2] = versionV1
	pkt[3] = area
	binary.BigEndian.PutUint16(pkt[4:], uint16(unitID))
	binary.BigEndian.PutUint16(pkt[6:], addr)
	binary.BigEndian.PutUint16(pkt[8:], count)
	return append(pkt, payload...)
}
