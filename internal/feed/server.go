// internal/feed/server.go
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"github.com/tamzrod/pos-hal/internal/claim"
)

type entry struct {
	kind string
	dev  interface{ ID() string }
}

// Server exposes device state over HTTP and events over a websocket:
//
//	GET /devices        every device
//	GET /devices/{id}   one device
//	GET /events         websocket event stream
type Server struct {
	log zerolog.Logger
	reg *claim.Registry
	hub *Hub

	mu      sync.RWMutex
	devices map[string]entry
	order   []string
}

func New(reg *claim.Registry, log zerolog.Logger) *Server {
	log = log.With().Str("component", "feed").Logger()
	return &Server{
		log:     log,
		reg:     reg,
		hub:     NewHub(log),
		devices: make(map[string]entry),
	}
}

// Hub is the event sink feeding /events.
func (s *Server) Hub() *Hub { return s.hub }

// Add registers a device. dev must be a Stater or a Filer.
func (s *Server) Add(kind string, dev interface{ ID() string }) error {
	switch dev.(type) {
	case Stater, Filer:
	default:
		return fmt.Errorf("feed: device %s exposes no state", dev.ID())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.devices[dev.ID()]; dup {
		return fmt.Errorf("feed: duplicate device %s", dev.ID())
	}
	s.devices[dev.ID()] = entry{kind: kind, dev: dev}
	s.order = append(s.order, dev.ID())
	return nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(s.requestLog)
		r.Get("/devices", s.listDevices)
		r.Get("/devices/{id}", s.getDevice)
	})
	r.Get("/events", s.hub.ServeHTTP)
	return r
}

// Run serves on addr until ctx ends.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info().Str("listen", addr).Msg("feed listening")

	select {
	case err := <-errc:
		return fmt.Errorf("feed: %w", err)
	case <-ctx.Done():
	}

	s.hub.Close()
	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("feed: shutdown: %w", err)
	}
	return nil
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	views := make([]DeviceView, 0, len(s.order))
	for _, id := range s.order {
		views = append(views, s.view(s.devices[id]))
	}
	s.mu.RUnlock()

	render.JSON(w, r, views)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.RLock()
	e, ok := s.devices[id]
	s.mu.RUnlock()
	if !ok {
		_ = render.Render(w, r, ErrNotFound(fmt.Errorf("no device %q", id)))
		return
	}
	render.JSON(w, r, s.view(e))
}

func (s *Server) view(e entry) DeviceView {
	v := DeviceView{ID: e.dev.ID(), Kind: e.kind}
	if s.reg != nil {
		if owner, ok := s.reg.Arbiter(v.ID).Owner(claim.Device()); ok {
			v.Owner = string(owner)
		}
	}
	switch d := e.dev.(type) {
	case Stater:
		stateView(&v, d.State())
	case Filer:
		v.Files = &FilesView{Count: d.NumberOfFiles(), Free: d.FreeData(), Size: d.TotalsSize()}
	}
	return v
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
