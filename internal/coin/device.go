// internal/coin/device.go
package coin

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/pos-hal/internal/claim"
	cfg "github.com/tamzrod/pos-hal/internal/config"
	"github.com/tamzrod/pos-hal/internal/event"
	"github.com/tamzrod/pos-hal/internal/fault"
	"github.com/tamzrod/pos-hal/internal/poller"
	"github.com/tamzrod/pos-hal/internal/status"
	"github.com/tamzrod/pos-hal/internal/transport"
)

// Health codes reported for a coin dispenser.
const (
	StatusOK        = 1
	StatusEmpty     = 11
	StatusNearEmpty = 12
	StatusJam       = 31
)

var statusText = map[int]string{
	StatusOK:        "ok",
	StatusEmpty:     "empty",
	StatusNearEmpty: "nearly empty",
	StatusJam:       "jam",
}

// Dispenser drives one coin dispenser.
type Dispenser struct {
	id              string
	nearLimit       int
	capacity        int
	minClaimTimeout time.Duration

	eng    *poller.Engine
	policy poller.Policy
	rec    *status.Reconciler
	arb    *claim.Arbiter
	log    zerolog.Logger

	// held across a dispense so the result check sees its own frame
	cmdMu sync.Mutex
}

// New wires a dispenser from its config. Nothing is dialled until Claim.
func New(d cfg.DeviceConfig, reg *claim.Registry, sink event.Sink, log zerolog.Logger) (*Dispenser, error) {
	if d.Kind != cfg.KindCoinDispenser {
		return nil, errors.New("coin: wrong device kind")
	}

	c := &Dispenser{
		id:              d.ID,
		nearLimit:       d.Coin.NearLimit,
		capacity:        d.Coin.SlotCapacity,
		minClaimTimeout: time.Duration(d.Timing.MinClaimTimeoutMs) * time.Millisecond,
		rec:             status.NewReconciler(d.ID, sink),
		arb:             reg.Arbiter(d.ID),
		log:             log.With().Str("device", d.ID).Logger(),
	}

	eng, policy, err := poller.Build(d, c.poll, log)
	if err != nil {
		return nil, err
	}
	c.eng, c.policy = eng, policy
	return c, nil
}

// ---- CLAIM / RELEASE ----

// Claim takes exclusive ownership and starts polling. The call blocks until
// the first status exchange finished; a silent device fails with NoHardware
// and the claim is backed out.
func (c *Dispenser) Claim(ctx context.Context, owner claim.Owner, timeout time.Duration) error {
	if timeout != claim.Forever && timeout < c.minClaimTimeout {
		timeout = c.minClaimTimeout
	}
	if err := c.arb.Claim(ctx, claim.Device(), owner, timeout); err != nil {
		return err
	}
	if c.eng.Running() {
		return nil
	}

	first := timeout
	if first == claim.Forever {
		first = c.minClaimTimeout + c.policy.Budget()
	}
	if err := c.eng.Start(ctx, first); err != nil {
		c.rec.Reset()
		_ = c.arb.Release(claim.Device(), owner)
		return err
	}
	c.log.Info().Str("owner", string(owner)).Msg("claimed")
	return nil
}

// Release stops polling, closes the channel and gives up ownership.
func (c *Dispenser) Release(owner claim.Owner) error {
	if !c.arb.Holds(claim.Device(), owner) {
		return fault.New(fault.Illegal, "coin: release", "%s not claimed by %s", c.id, owner)
	}
	err := c.eng.Stop()
	c.rec.Reset()
	if rerr := c.arb.Release(claim.Device(), owner); rerr != nil {
		return rerr
	}
	c.log.Info().Str("owner", string(owner)).Msg("released")
	return err
}

// ---- EXCHANGE ----

// poll is the periodic status request.
func (c *Dispenser) poll(ctx context.Context, ch *transport.Framed) error {
	_, err := c.transact(ctx, ch, EncodeStatus())
	return err
}

// transact runs one frame through the retry policy and reconciles the
// outcome. Every command answers with a status frame.
func (c *Dispenser) transact(ctx context.Context, ch *transport.Framed, frame []byte) (Response, error) {
	var resp Response

	err := c.policy.Do(ctx, ch, func(ctx context.Context, ch *transport.Framed) error {
		if err := ch.Write(frame); err != nil {
			return err
		}
		raw, err := ch.ReadUntil('\n', MaxRespLen)
		if err != nil {
			return err
		}
		resp, err = Decode(raw, c.capacity)
		return err
	})

	if !poller.Abandoned(err) {
		c.rec.Reconcile(c.observe(resp, err))
	}
	return resp, err
}

func (c *Dispenser) observe(resp Response, err error) status.Observation {
	if !fault.Responded(err) {
		return status.Observation{Responded: false, Cause: fault.Root(err)}
	}
	if resp.Jam {
		return status.Observation{Responded: true, Code: StatusJam, Text: statusText[StatusJam], Faulted: true}
	}

	code := c.health(resp.HW)
	return status.Observation{
		Responded: true,
		Code:      code,
		Text:      statusText[code],
		Faulted:   code == StatusEmpty,
		Apply: func(s *status.DeviceState) {
			s.HWCounts = append(s.HWCounts[:0], resp.HW[:]...)
			s.Counts = resp.Counts()
		},
	}
}

// health scans from the largest tube down: an empty tube wins, otherwise
// any tube at or below the near limit makes the dispenser nearly empty.
func (c *Dispenser) health(hw [HWSlots]int) int {
	code := StatusOK
	for i := HWSlots - 1; i >= 0; i-- {
		if hw[i] == 0 {
			return StatusEmpty
		}
		if hw[i] <= c.nearLimit {
			code = StatusNearEmpty
		}
	}
	return code
}

// ---- OPERATIONS ----

// DispenseChange pays out amount. The amount is checked before anything
// is sent.
func (c *Dispenser) DispenseChange(ctx context.Context, owner claim.Owner, amount int) error {
	if err := c.ready(owner); err != nil {
		return err
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.dispense(ctx, amount, poller.Blocking)
}

// TryDispenseChange is DispenseChange without queueing: it fails with Busy
// while another command is in progress.
func (c *Dispenser) TryDispenseChange(ctx context.Context, owner claim.Owner, amount int) error {
	if err := c.ready(owner); err != nil {
		return err
	}

	if !c.cmdMu.TryLock() {
		return fault.New(fault.Busy, "coin: dispense", "command in progress")
	}
	defer c.cmdMu.Unlock()
	return c.dispense(ctx, amount, poller.NonBlocking)
}

// Caller holds cmdMu.
func (c *Dispenser) dispense(ctx context.Context, amount int, mode poller.Mode) error {

	var hw [HWSlots]int
	copy(hw[:], c.rec.Snapshot().HWCounts)

	sel, err := Plan(amount, hw)
	if err != nil {
		return err
	}

	frame := EncodeDispense(sel)
	_, err = c.eng.Submit(ctx, func(ctx context.Context, ch *transport.Framed) (any, error) {
		return c.transact(ctx, ch, frame)
	}, mode)

	switch {
	case err == nil:
		c.log.Debug().Int("amount", amount).Msg("dispensed")
		return nil
	case fault.Is(err, fault.DeviceFault):
		return fault.New(fault.DeviceFault, "coin: dispense", "dispenser error, check slots")
	case fault.Is(err, fault.Illegal), fault.Is(err, fault.Timeout), fault.Is(err, fault.Busy):
		return err
	}
	return &fault.Error{Kind: fault.Offline, Op: "coin: dispense", Msg: "dispenser offline", Err: err}
}

// Refill adds coins to the hardware slots. Counts must not be negative.
func (c *Dispenser) Refill(ctx context.Context, owner claim.Owner, add [HWSlots]int) error {
	if err := c.ready(owner); err != nil {
		return err
	}
	for i, n := range add {
		if n < 0 || (c.capacity > 0 && n > c.capacity) {
			return fault.New(fault.Illegal, "coin: refill", "slot %d: bad count %d", i, n)
		}
	}

	frame := EncodeAdd(add)
	_, err := c.eng.Submit(ctx, func(ctx context.Context, ch *transport.Framed) (any, error) {
		return c.transact(ctx, ch, frame)
	}, poller.Blocking)
	if err != nil && !fault.Responded(err) && !poller.Abandoned(err) {
		return &fault.Error{Kind: fault.Offline, Op: "coin: refill", Msg: "dispenser offline", Err: err}
	}
	return err
}

// ready checks ownership and fails fast while the device is offline.
func (c *Dispenser) ready(owner claim.Owner) error {
	if !c.arb.Holds(claim.Device(), owner) {
		if err := c.arb.Check(claim.Device(), owner); err != nil {
			return err
		}
		return fault.New(fault.Illegal, "coin", "%s not claimed", c.id)
	}
	if c.rec.Snapshot().Power == status.PowerOffline {
		return fault.New(fault.Offline, "coin", "hardware unavailable")
	}
	return nil
}

// State returns a copy of the current device state.
func (c *Dispenser) State() status.DeviceState { return c.rec.Snapshot() }

func (c *Dispenser) ID() string { return c.id }
