// internal/mirror/sink.go
package mirror

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/tamzrod/pos-hal/internal/event"
)

const eventQueue = 256

// StatusSink is an event.Sink that mirrors each configured device's status
// block into a remote register memory. Publish never blocks; Run does the IO.
type StatusSink struct {
	log     zerolog.Logger
	cli     endpointClient
	writers map[string]StatusWriter
	every   time.Duration

	events  chan event.Event
	dropped atomic.Uint64
}

func newStatusSink(cli endpointClient, plans []Plan, log zerolog.Logger) *StatusSink {
	s := &StatusSink{
		log:     log,
		cli:     cli,
		writers: make(map[string]StatusWriter, len(plans)),
		every:   time.Second,
		events:  make(chan event.Event, eventQueue),
	}
	for _, p := range plans {
		s.writers[p.DeviceID] = newDeviceStatusWriter(p, cli)
	}
	return s
}

// Publish queues e for the run loop. Events of unmirrored devices are
// ignored; events are dropped when the queue is full.
func (s *StatusSink) Publish(e event.Event) {
	if _, ok := s.writers[e.Device]; !ok {
		return
	}
	select {
	case s.events <- e:
	default:
		if s.dropped.Inc() == 1 {
			s.log.Warn().Str("device", e.Device).Msg("mirror queue full, dropping events")
		}
	}
}

// Dropped is the number of events lost to a full queue.
func (s *StatusSink) Dropped() uint64 { return s.dropped.Load() }

// Run writes the initial blocks, then follows the event stream and ticks
// seconds_in_error once per second until ctx ends. It closes the client.
func (s *StatusSink) Run(ctx context.Context) error {
	defer s.cli.Close()

	trackers := make(map[string]*tracker, len(s.writers))
	stale := make(map[string]bool, len(s.writers))

	write := func(id string) {
		if err := s.writers[id].WriteStatus(trackers[id].snap); err != nil {
			stale[id] = true
			s.log.Warn().Err(err).Str("device", id).Msg("status write failed")
			return
		}
		delete(stale, id)
	}

	for id := range s.writers {
		trackers[id] = newTracker()
		write(id)
	}

	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case e := <-s.events:
			if trackers[e.Device].apply(e) {
				write(e.Device)
			}

		case <-ticker.C:
			for id, t := range trackers {
				if t.tick() || stale[id] {
					write(id)
				}
			}
		}
	}
}
