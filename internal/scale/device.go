// internal/scale/device.go
package scale

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

// Status record values.
const (
	StatusStable      = 0
	StatusMotion      = 20
	StatusSameWeight  = 21
	StatusNoUnitPrice = 22
	StatusUnderMin    = 30
	StatusUnderZero   = 31
	StatusOverload    = 32
)

// StateReady is the health code reported for status 00. Every other status
// is reported with its record value.
const StateReady = 1

// Extended error codes.
const (
	ExtOverweight = 201
	ExtUnderZero  = 202
	ExtSameWeight = 203
)

var statusText = map[int]string{
	StateReady:        "ready",
	StatusMotion:      "in motion",
	StatusSameWeight:  "same weight",
	StatusNoUnitPrice: "no unit price",
	StatusUnderMin:    "under minimum",
	StatusUnderZero:   "under zero",
	StatusOverload:    "overload",
}

// Weighing is the result of one ReadWeight.
type Weighing struct {
	Weight    int   // grams
	UnitPrice int64 // 1/10000 currency units per kg
	Price     int64 // 1/10000 currency units
}

// Scale drives one price computing scale.
type Scale struct {
	id        string
	maxWeight int
	pollDelay time.Duration
	minWait   time.Duration

	eng    *poller.Engine
	policy poller.Policy
	rec    *status.Reconciler
	arb    *claim.Arbiter
	log    zerolog.Logger

	mu        sync.Mutex
	unitPrice int64
	tare      int
	text      string
}

// New wires a scale from its config. Nothing is dialled until Enable.
func New(d cfg.DeviceConfig, reg *claim.Registry, sink event.Sink, log zerolog.Logger) (*Scale, error) {
	if d.Kind != cfg.KindScale {
		return nil, errors.New("scale: wrong device kind")
	}

	s := &Scale{
		id:        d.ID,
		maxWeight: d.Scale.MaximumWeight,
		tare:      d.Scale.DefaultTare,
		pollDelay: time.Duration(d.Timing.PollIntervalMs) * time.Millisecond,
		minWait:   time.Duration(d.Timing.MaxRetry+2) * time.Duration(d.Timing.RequestTimeoutMs) * time.Millisecond,
		rec:       status.NewReconciler(d.ID, sink),
		arb:       reg.Arbiter(d.ID),
		log:       log.With().Str("device", d.ID).Logger(),
	}

	eng, policy, err := poller.Build(d, s.poll, log)
	if err != nil {
		return nil, err
	}
	s.eng, s.policy = eng, policy
	return s, nil
}

// ---- CLAIM / ENABLE ----

// Claim takes exclusive ownership. No I/O happens until Enable.
func (s *Scale) Claim(ctx context.Context, owner claim.Owner, timeout time.Duration) error {
	return s.arb.Claim(ctx, claim.Device(), owner, timeout)
}

// Enable starts polling and waits for the first status answer.
func (s *Scale) Enable(ctx context.Context, owner claim.Owner) error {
	if !s.arb.Holds(claim.Device(), owner) {
		return fault.New(fault.Illegal, "scale: enable", "%s not claimed by %s", s.id, owner)
	}
	if s.eng.Running() {
		return nil
	}
	if err := s.eng.Start(ctx, s.minWait); err != nil {
		s.rec.Reset()
		return err
	}
	s.log.Info().Str("owner", string(owner)).Msg("enabled")
	return nil
}

// Disable stops polling and closes the channel.
func (s *Scale) Disable(owner claim.Owner) error {
	if !s.arb.Holds(claim.Device(), owner) {
		return fault.New(fault.Illegal, "scale: disable", "%s not claimed by %s", s.id, owner)
	}
	err := s.eng.Stop()
	s.rec.Reset()
	return err
}

// Release disables the scale if needed and gives up ownership.
func (s *Scale) Release(owner claim.Owner) error {
	if err := s.Disable(owner); err != nil && fault.Is(err, fault.Illegal) {
		return err
	}
	return s.arb.Release(claim.Device(), owner)
}

// ---- EXCHANGE ----

func (s *Scale) poll(ctx context.Context, ch *transport.Framed) error {
	_, err := s.transact(ctx, ch, EncodeStatus())
	return err
}

// transact sends frame and reads one reply. A NAK to anything but a status
// request is followed by a status request in the same exchange, without
// using up a retry. A NAK to the status request itself is an answer: the
// scale stays online and the caller gets a DeviceFault.
func (s *Scale) transact(ctx context.Context, ch *transport.Framed, frame []byte) (Reply, error) {
	var rep Reply

	err := s.policy.Do(ctx, ch, func(ctx context.Context, ch *transport.Framed) error {
		if err := ch.Write(frame); err != nil {
			return err
		}
		r, err := ReadReply(ch)
		switch {
		case fault.Is(err, fault.Nak):
			if isStatusRequest(frame) {
				return fault.New(fault.DeviceFault, "scale", "status request rejected")
			}
			frame = EncodeStatus()
			return err
		case fault.Is(err, fault.ChannelFault):
			return err
		}
		if werr := ch.Write([]byte{EOT}); werr != nil && err == nil {
			return werr
		}
		rep = r
		return err
	})

	if !poller.Abandoned(err) {
		s.rec.Reconcile(s.observe(rep, err))
	}
	return rep, err
}

func (s *Scale) observe(rep Reply, err error) status.Observation {
	if err != nil && !fault.Responded(err) {
		return status.Observation{Responded: false, Cause: fault.Root(err)}
	}
	switch rep.Kind {
	case ReplyStatus:
		code := rep.Status
		if code == StatusStable {
			code = StateReady
		}
		text, known := statusText[code]
		if !known {
			text = "unknown status"
		}
		return status.Observation{
			Responded: true,
			Code:      code,
			Text:      text,
			Faulted:   !known || code == StatusOverload || code == StatusUnderZero,
		}
	case ReplyWeight:
		return status.Observation{
			Responded: true,
			Code:      StateReady,
			Text:      statusText[StateReady],
			Apply: func(st *status.DeviceState) {
				st.Weight = rep.Weight
				st.UnitPrice = rep.UnitPrice
				st.Price = rep.Price
			},
		}
	}
	return status.Observation{Responded: true}
}

// submit runs frame through the engine.
func (s *Scale) submit(ctx context.Context, frame []byte) (Reply, error) {
	v, err := s.eng.Submit(ctx, func(ctx context.Context, ch *transport.Framed) (any, error) {
		return s.transact(ctx, ch, frame)
	}, poller.Blocking)
	rep, _ := v.(Reply)
	return rep, err
}

// ready checks ownership and fails fast while the scale is offline.
func (s *Scale) ready(owner claim.Owner) error {
	if !s.arb.Holds(claim.Device(), owner) {
		if err := s.arb.Check(claim.Device(), owner); err != nil {
			return err
		}
		return fault.New(fault.Illegal, "scale", "%s not claimed", s.id)
	}
	if !s.eng.Running() {
		return fault.New(fault.Illegal, "scale", "%s not enabled", s.id)
	}
	if s.rec.Snapshot().Power == status.PowerOffline {
		return fault.New(fault.Offline, "scale", "hardware unavailable")
	}
	return nil
}

// ---- OPERATIONS ----

// ReadWeight asks for a stable weight and keeps asking while the scale is
// in motion or empty, until timeout (raised to the minimum wait) expires.
// claim.Forever waits without a deadline.
func (s *Scale) ReadWeight(ctx context.Context, owner claim.Owner, timeout time.Duration) (Weighing, error) {
	if err := s.ready(owner); err != nil {
		return Weighing{}, err
	}
	if timeout != claim.Forever && timeout < s.minWait {
		timeout = s.minWait
	}
	start := time.Now()

	for {
		rep, err := s.submit(ctx, EncodeWeight())
		if err != nil && !fault.Responded(err) && !poller.Abandoned(err) {
			return Weighing{}, &fault.Error{Kind: fault.Offline, Op: "scale: read weight", Msg: "offline", Err: err}
		}
		if err != nil {
			return Weighing{}, err
		}

		switch rep.Kind {
		case ReplyWeight:
			if rep.UnitPrice != s.UnitPrice() {
				return Weighing{}, fault.New(fault.DeviceFault, "scale: read weight", "unexpected unit price %d", rep.UnitPrice)
			}
			return Weighing{Weight: rep.Weight, UnitPrice: rep.UnitPrice, Price: rep.Price}, nil
		case ReplyStatus:
		default:
			return Weighing{}, fault.New(fault.DeviceFault, "scale: read weight", "bad frame")
		}

		switch rep.Status {
		case StatusMotion, StatusUnderMin, StatusUnderZero:
			if timeout != claim.Forever && time.Since(start) > timeout {
				return Weighing{}, fault.New(fault.Timeout, "scale: read weight", "no valid weight within time limit")
			}
		case StatusSameWeight:
			return Weighing{}, fault.Ext("scale: read weight", ExtSameWeight, "not in motion since last weighing")
		case StatusNoUnitPrice:
			return Weighing{}, fault.New(fault.Illegal, "scale: read weight", "unit price has not been set")
		case StatusOverload:
			return Weighing{}, fault.Ext("scale: read weight", ExtOverweight, "scale overloaded")
		default:
			return Weighing{}, fault.New(fault.DeviceFault, "scale: read weight", "unknown scale status %d", rep.Status)
		}

		t := time.NewTimer(s.pollDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return Weighing{}, fault.Wrap(fault.Timeout, "scale: read weight", ctx.Err())
		}
	}
}

// setup sends a setup record and expects ACK.
func (s *Scale) setup(ctx context.Context, op string, frame []byte) error {
	rep, err := s.submit(ctx, frame)
	if err != nil && !fault.Responded(err) && !poller.Abandoned(err) {
		return &fault.Error{Kind: fault.Offline, Op: op, Msg: "communication error", Err: err}
	}
	if err != nil {
		return err
	}
	switch {
	case rep.Kind == ReplyAck:
		return nil
	case rep.Kind == ReplyStatus && rep.Status != StatusStable:
		return fault.New(fault.DeviceFault, op, "scale in error state: %d", rep.Status)
	}
	return fault.New(fault.DeviceFault, op, "invalid response")
}

// SetUnitPrice sends the unit price (1/10000 currency units per kg).
func (s *Scale) SetUnitPrice(ctx context.Context, owner claim.Owner, price int64) error {
	if err := s.ready(owner); err != nil {
		return err
	}
	if price < 0 || price >= MaxUnitPrice {
		return fault.New(fault.Illegal, "scale: unit price", "unit price %d out of range", price)
	}
	if err := s.setup(ctx, "scale: unit price", EncodeUnitPrice(price)); err != nil {
		return err
	}
	s.mu.Lock()
	s.unitPrice = price
	s.mu.Unlock()
	return nil
}

// Tare sends the tare weight together with the current unit price.
func (s *Scale) Tare(ctx context.Context, owner claim.Owner, weight int) error {
	if err := s.ready(owner); err != nil {
		return err
	}
	if weight < 0 || weight >= s.maxWeight || weight > maxTare {
		return fault.New(fault.Illegal, "scale: tare", "tare %d too high", weight)
	}
	if err := s.setup(ctx, "scale: tare", EncodeTare(s.UnitPrice(), weight)); err != nil {
		return err
	}
	s.mu.Lock()
	s.tare = weight
	s.mu.Unlock()
	return nil
}

// DisplayText shows text on the scale display.
func (s *Scale) DisplayText(ctx context.Context, owner claim.Owner, text string) error {
	if err := s.ready(owner); err != nil {
		return err
	}
	if len(text) > MaxTextLen {
		return fault.New(fault.Illegal, "scale: display text", "text longer than %d characters", MaxTextLen)
	}
	for i := 0; i < len(text); i++ {
		if text[i] < 0x20 || text[i] > 0x7e {
			return fault.New(fault.Illegal, "scale: display text", "unprintable character at %d", i)
		}
	}
	if err := s.setup(ctx, "scale: display text", EncodeText(s.UnitPrice(), text)); err != nil {
		return err
	}
	s.mu.Lock()
	s.text = text
	s.mu.Unlock()
	return nil
}

// SetZeroValid only accepts false: the scale never reports a valid zero
// weight.
func (s *Scale) SetZeroValid(on bool) error {
	if on {
		return fault.New(fault.Illegal, "scale: zero valid", "valid zero weight not supported")
	}
	return nil
}

// HealthLevel selects how deep CheckHealth goes.
type HealthLevel uint8

const (
	HealthInternal HealthLevel = iota
	HealthExternal
)

// checkHealthPrice is shown while the external check weighs.
const checkHealthPrice = 123400

// CheckHealth reports a health text. The external check sets a test unit
// price, weighs once and restores price and text.
func (s *Scale) CheckHealth(ctx context.Context, owner claim.Owner, level HealthLevel) (string, error) {
	if err := s.ready(owner); err != nil && !fault.Is(err, fault.Offline) {
		return "", err
	}
	if level == HealthInternal {
		if s.rec.Snapshot().Power != status.PowerOnline {
			return "Internal CheckHealth: Failed", nil
		}
		return "Internal CheckHealth: OK", nil
	}

	s.mu.Lock()
	price, text := s.unitPrice, s.text
	s.mu.Unlock()

	result := "OK"
	err := s.SetUnitPrice(ctx, owner, checkHealthPrice)
	if err == nil {
		err = s.DisplayText(ctx, owner, "WEIGHING")
	}
	if err == nil {
		_, err = s.ReadWeight(ctx, owner, claim.Forever)
	}
	if err != nil {
		result = "Failed (" + err.Error() + ")"
	}

	if s.UnitPrice() != price {
		_ = s.SetUnitPrice(ctx, owner, price)
	}
	if s.Text() != text {
		_ = s.DisplayText(ctx, owner, text)
	}
	return "External CheckHealth: " + result, nil
}

// ---- ACCESSORS ----

func (s *Scale) UnitPrice() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unitPrice
}

func (s *Scale) TareWeight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tare
}

func (s *Scale) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// MaximumWeight is the largest weight the scale reports, in grams.
func (s *Scale) MaximumWeight() int { return s.maxWeight }

// State returns a copy of the current device state.
func (s *Scale) State() status.DeviceState { return s.rec.Snapshot() }

func (s *Scale) ID() string { return s.id }
