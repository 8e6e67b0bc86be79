// internal/poller/poller.go
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/tamzrod/pos-hal/internal/fault"
	"github.com/tamzrod/pos-hal/internal/transport"
)

// Config is the minimal runtime config the engine needs.
type Config struct {
	Device   string
	Interval time.Duration
	Log      zerolog.Logger
}

// Engine owns one channel and is the only goroutine that touches it.
// Status polls and caller commands share the loop, so at most one frame
// is ever in flight.
type Engine struct {
	cfg  Config
	ch   *transport.Framed
	poll PollFunc
	log  zerolog.Logger

	submit      chan *command
	outstanding *atomic.Int32
	cycles      *atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	first   chan struct{}
	firstOK bool
	next    *command
}

// New creates an engine with immutable config. Nothing runs until Start.
func New(cfg Config, ch *transport.Framed, poll PollFunc) (*Engine, error) {
	if cfg.Device == "" {
		return nil, errors.New("poller: device id required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("poller: interval must be > 0")
	}
	if ch == nil {
		return nil, errors.New("poller: channel required")
	}
	if poll == nil {
		return nil, errors.New("poller: poll func required")
	}
	return &Engine{
		cfg:         cfg,
		ch:          ch,
		poll:        poll,
		log:         cfg.Log.With().Str("device", cfg.Device).Logger(),
		submit:      make(chan *command),
		outstanding: atomic.NewInt32(0),
		cycles:      atomic.NewInt64(0),
	}, nil
}

// Start launches the loop and blocks until the first cycle completes or
// firstTimeout expires. If the device did not answer, the loop is stopped
// again and a NoHardware fault is returned.
func (e *Engine) Start(ctx context.Context, firstTimeout time.Duration) error {
	e.mu.Lock()
	if e.done != nil {
		e.mu.Unlock()
		return fault.New(fault.Illegal, "poller: start", "already running")
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.first = make(chan struct{})
	e.firstOK = false
	done, first := e.done, e.first
	e.mu.Unlock()

	go e.run(loopCtx, done, first)

	timer := time.NewTimer(firstTimeout)
	defer timer.Stop()

	select {
	case <-first:
		e.mu.Lock()
		ok := e.firstOK
		e.mu.Unlock()
		if ok {
			e.log.Debug().Msg("first cycle answered")
			return nil
		}
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = e.Stop()
	return fault.New(fault.NoHardware, "poller: start", "no answer within %v", firstTimeout)
}

// Stop cancels the loop, waits until it has exited, then flushes and closes
// the channel. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if done == nil {
		return nil
	}

	cancel()
	<-done

	e.mu.Lock()
	e.cancel = nil
	e.done = nil
	e.mu.Unlock()

	_ = e.ch.Flush()
	return e.ch.Close()
}

// Running reports whether the loop goroutine is alive.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done != nil
}

// Submit hands ex to the loop and waits for its result. Commands are
// executed one at a time in submission order.
func (e *Engine) Submit(ctx context.Context, ex Exchange, mode Mode) (any, error) {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil, fault.New(fault.Illegal, "poller: submit", "device not enabled")
	}

	if n := e.outstanding.Inc(); n > 1 && mode == NonBlocking {
		e.outstanding.Dec()
		return nil, fault.New(fault.Busy, "poller: submit", "command in progress")
	}

	if err := ctx.Err(); err != nil {
		e.outstanding.Dec()
		return nil, fault.Wrap(fault.Timeout, "poller: submit", err)
	}

	cmd := &command{ctx: ctx, ex: ex, done: make(chan Result, 1)}

	select {
	case e.submit <- cmd:
	case <-ctx.Done():
		e.outstanding.Dec()
		return nil, fault.Wrap(fault.Timeout, "poller: submit", ctx.Err())
	case <-done:
		e.outstanding.Dec()
		return nil, fault.New(fault.Offline, "poller: submit", "engine stopped")
	}

	// Once accepted the loop always completes the command.
	r := <-cmd.done
	return r.Value, r.Err
}

// Cycles counts completed loop iterations (polls and commands).
func (e *Engine) Cycles() int64 { return e.cycles.Load() }

func (e *Engine) Device() string { return e.cfg.Device }
