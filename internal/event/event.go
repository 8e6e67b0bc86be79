// internal/event/event.go
package event

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/pos-hal/internal/fault"
)

// Kind identifies what changed.
type Kind uint8

const (
	// KindPower: the device went online or offline.
	KindPower Kind = iota + 1
	// KindHealth: the device-reported health category changed.
	KindHealth
	// KindClaim: a claimed resource became available.
	KindClaim
	// KindReset: the device was released, state is unknown again.
	KindReset
)

func (k Kind) String() string {
	switch k {
	case KindPower:
		return "power"
	case KindHealth:
		return "health"
	case KindClaim:
		return "claim"
	case KindReset:
		return "reset"
	}
	return "unknown"
}

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Device string    `json:"device"`
	Kind   Kind      `json:"kind"`
	At     time.Time `json:"at"`

	// KindPower
	Online bool       `json:"online,omitempty"`
	Cause  fault.Kind `json:"cause,omitempty"`

	// KindHealth
	Code    int    `json:"code,omitempty"`
	Text    string `json:"text,omitempty"`
	Faulted bool   `json:"faulted,omitempty"`

	// KindClaim
	Resource string `json:"resource,omitempty"`
}

// Sink receives events. Publish must not block for long.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Bus fans one event out to every subscribed sink, in subscription order.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewBus(sinks ...Sink) *Bus {
	return &Bus{sinks: sinks}
}

func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range sinks {
		s.Publish(e)
	}
}

// Log writes every event to a zerolog logger.
type Log struct {
	L zerolog.Logger
}

func (l Log) Publish(e Event) {
	ev := l.L.Info()
	if e.Kind == KindPower && !e.Online {
		ev = l.L.Warn()
	}
	ev = ev.Str("device", e.Device).Str("event", e.Kind.String())

	switch e.Kind {
	case KindPower:
		ev = ev.Bool("online", e.Online)
		if !e.Online {
			ev = ev.Str("cause", e.Cause.String())
		}
	case KindHealth:
		ev = ev.Int("code", e.Code).Str("text", e.Text).Bool("faulted", e.Faulted)
	case KindClaim:
		ev = ev.Str("resource", e.Resource)
	}
	ev.Msg("device event")
}
