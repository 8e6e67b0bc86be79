// internal/poller/types.go
package poller

import (
	"context"

	"github.com/tamzrod/pos-hal/internal/transport"
)

// PollFunc performs one periodic status exchange and hands the outcome to
// the device's reconciler. The returned error only feeds the first-enable
// handshake; state changes are the reconciler's business.
type PollFunc func(ctx context.Context, ch *transport.Framed) error

// Exchange is an on-demand command run by the loop goroutine in place of
// the next status poll.
type Exchange func(ctx context.Context, ch *transport.Framed) (any, error)

// Mode selects what Submit does while another command is outstanding.
type Mode uint8

const (
	// Blocking waits until the engine is idle.
	Blocking Mode = iota
	// NonBlocking fails with a Busy fault instead of waiting.
	NonBlocking
)

// Result is delivered to the submitting caller exactly once.
type Result struct {
	Value any
	Err   error
}

// command is one pending caller request, matched 1:1 by the loop.
type command struct {
	ctx  context.Context
	ex   Exchange
	done chan Result
}
