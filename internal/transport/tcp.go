// internal/transport/tcp.go
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"
)

// maxFlush bounds how many stale bytes Flush drains from the socket.
const maxFlush = 4096

type tcpStream struct {
	conn net.Conn
	br   *bufio.Reader
}

// TCPDialer returns a Dialer connecting to endpoint. A non-zero ownPort pins
// the local source port.
func TCPDialer(endpoint string, ownPort int, timeout time.Duration) Dialer {
	return func() (Stream, error) {
		if endpoint == "" {
			return nil, errors.New("transport tcp: endpoint required")
		}
		d := net.Dialer{Timeout: timeout}
		if ownPort > 0 {
			d.LocalAddr = &net.TCPAddr{Port: ownPort}
		}
		conn, err := d.Dial("tcp", endpoint)
		if err != nil {
			return nil, fmt.Errorf("transport tcp: dial %s: %w", endpoint, err)
		}
		return NewConnStream(conn), nil
	}
}

// NewConnStream wraps an already connected net.Conn.
func NewConnStream(conn net.Conn) Stream {
	return &tcpStream{conn: conn, br: bufio.NewReader(conn)}
}

func (s *tcpStream) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

func (s *tcpStream) ReadByteTimeout(d time.Duration) (byte, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return 0, err
	}
	b, err := s.br.ReadByte()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, ErrTimeout
		}
		return 0, err
	}
	return b, nil
}

func (s *tcpStream) Flush() error {
	if n := s.br.Buffered(); n > 0 {
		if _, err := s.br.Discard(n); err != nil {
			return err
		}
	}
	for i := 0; i < maxFlush; i++ {
		if _, err := s.ReadByteTimeout(time.Millisecond); err != nil {
			if errors.Is(err, ErrTimeout) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *tcpStream) Close() error {
	return s.conn.Close()
}
