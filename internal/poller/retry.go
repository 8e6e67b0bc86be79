// internal/poller/retry.go
package poller

import (
	"context"
	"time"

	"github.com/tamzrod/pos-hal/internal/fault"
	"github.com/tamzrod/pos-hal/internal/transport"
)

// exchangeSlack is added to the overall deadline of a retried exchange to
// cover encode and reconcile time.
const exchangeSlack = 70 * time.Millisecond

// Policy bounds one request/response exchange.
type Policy struct {
	MaxRetries       int
	RequestTimeout   time.Duration
	CharacterTimeout time.Duration
}

// Attempt performs a single write/read/decode round.
// Returning a Nak fault asks for an immediate resend that does not count
// against the retry budget; the attempt itself decides what to resend.
type Attempt func(ctx context.Context, ch *transport.Framed) error

// Budget is the worst case duration of Do.
func (p Policy) Budget() time.Duration {
	return time.Duration(p.MaxRetries+1)*(p.RequestTimeout+p.CharacterTimeout) + exchangeSlack
}

// Timeouts returns the transport timeouts for one attempt.
func (p Policy) Timeouts() transport.Timeouts {
	return transport.Timeouts{Request: p.RequestTimeout, Character: p.CharacterTimeout}
}

// Do runs attempt until it succeeds, the device answers with a fault, or
// MaxRetries+1 counted attempts failed. Exhaustion closes the channel and
// yields a ChannelFault. When the caller's ctx ends first Do returns a
// Timeout and leaves the channel usable, see Abandoned.
func (p Policy) Do(ctx context.Context, ch *transport.Framed, attempt Attempt) error {
	bctx, cancel := context.WithTimeout(ctx, p.Budget())
	defer cancel()

	ch.SetTimeouts(p.Timeouts())

	var last error
	for tries := 0; tries <= p.MaxRetries; {
		if err := bctx.Err(); err != nil {
			if ctx.Err() != nil {
				return fault.Wrap(fault.Timeout, "poller: exchange", ctx.Err())
			}
			if last == nil {
				last = err
			}
			break
		}

		err := attempt(bctx, ch)
		switch {
		case err == nil:
			return nil
		case fault.Is(err, fault.Nak):
			last = err
			continue
		case fault.Responded(err):
			return err
		}

		last = err
		tries++
		// A late or partial answer must not be read as the reply to the
		// resent frame. Dropping the stream discards it; the next Write
		// dials again.
		if fault.Is(err, fault.Timeout) || fault.Is(err, fault.MalformedFrame) {
			_ = ch.Close()
		}
	}

	if fault.Is(last, fault.ChannelFault) && !ch.IsOpen() {
		return last
	}
	return ch.Fail("poller: retries exhausted", last)
}

// Abandoned reports whether err from Do means the caller gave up before
// the exchange finished. Such an error says nothing about the device.
func Abandoned(err error) bool {
	return fault.Is(err, fault.Timeout)
}
