// internal/sim/server.go
package sim

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// maxFrames bounds the request log kept by each simulator.
const maxFrames = 4096

// record appends req to the request log, dropping the oldest half when full.
func record(frames []string, req string) []string {
	if len(frames) >= maxFrames {
		frames = append(frames[:0], frames[maxFrames/2:]...)
	}
	return append(frames, req)
}

// handler serves one accepted connection until it fails or is closed.
type handler func(conn net.Conn)

// server is the accept loop shared by the simulators. Only one client is
// served at a time, like a serial line: a new connection replaces the old.
type server struct {
	ln   net.Listener
	log  zerolog.Logger
	serv handler

	mu      sync.Mutex
	conn    net.Conn
	accepts *atomic.Int64
	wg      sync.WaitGroup
}

func listen(addr string, log zerolog.Logger, h handler) (*server, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &server{ln: ln, log: log, serv: h, accepts: atomic.NewInt64(0)}, nil
}

// Addr is the listening address, usable as a device endpoint.
func (s *server) Addr() string { return s.ln.Addr().String() }

// Accepts counts accepted connections.
func (s *server) Accepts() int64 { return s.accepts.Load() }

// Serve accepts clients until ctx is done or the listener is closed.
func (s *server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.accepts.Inc()

		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.conn = conn
		s.mu.Unlock()

		s.log.Debug().Str("peer", conn.RemoteAddr().String()).Msg("client connected")

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serv(conn)
		}()
	}
}

// Drop closes the current client connection, simulating a cable pull.
func (s *server) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Close stops accepting and drops the current client.
func (s *server) Close() error {
	s.Drop()
	err := s.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
