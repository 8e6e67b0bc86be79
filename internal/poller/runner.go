// internal/poller/runner.go
package poller

import (
	"context"
	"time"

	"github.com/tamzrod/pos-hal/internal/fault"
)

// run is the per-device loop. One goroutine per device. No overlap.
// Each iteration runs either the pending command or one status poll, then
// sleeps whatever is left of the interval. A slow cycle is followed
// immediately by the next one.
func (e *Engine) run(ctx context.Context, done, first chan struct{}) {
	var next *command

	defer func() {
		if next != nil {
			e.complete(next, Result{Err: fault.New(fault.Offline, "poller", "engine stopped")})
		}
		close(done)
	}()

	firstSeen := false
	markFirst := func(err error) {
		if firstSeen {
			return
		}
		firstSeen = true
		e.mu.Lock()
		e.firstOK = fault.Responded(err)
		e.mu.Unlock()
		close(first)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()

		if next == nil {
			select {
			case next = <-e.submit:
			default:
			}
		}

		if next != nil {
			cmd := next
			next = nil
			v, err := cmd.ex(cmd.ctx, e.ch)
			e.complete(cmd, Result{Value: v, Err: err})
			markFirst(err)
		} else {
			err := e.poll(ctx, e.ch)
			if err != nil && ctx.Err() == nil {
				e.log.Debug().Err(err).Msg("poll cycle failed")
			}
			markFirst(err)
		}
		e.cycles.Inc()

		remaining := e.cfg.Interval - time.Since(start)
		if remaining <= 0 {
			continue
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case next = <-e.submit:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (e *Engine) complete(cmd *command, r Result) {
	cmd.done <- r
	e.outstanding.Dec()
}
