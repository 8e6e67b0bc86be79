// internal/poller/builder.go
package poller

import (
	"time"

	"github.com/rs/zerolog"

	cfg "github.com/tamzrod/pos-hal/internal/config"
	"github.com/tamzrod/pos-hal/internal/transport"
)

// Build constructs the channel and engine for one device.
// The channel is reused while healthy.
// On transport death the stream is discarded and the dialer is used again
// on a future cycle. Nothing is dialled here.
func Build(d cfg.DeviceConfig, poll PollFunc, log zerolog.Logger) (*Engine, Policy, error) {
	policy := PolicyFor(d)
	ch := transport.New(d.ID, DialerFor(d), policy.Timeouts(), log)

	e, err := New(
		Config{
			Device:   d.ID,
			Interval: time.Duration(d.Timing.PollIntervalMs) * time.Millisecond,
			Log:      log,
		},
		ch,
		poll,
	)
	if err != nil {
		return nil, Policy{}, err
	}
	return e, policy, nil
}

// DialerFor picks serial or TCP from the source config.
func DialerFor(d cfg.DeviceConfig) transport.Dialer {
	if s := d.Source.Serial; s != nil {
		return transport.SerialDialer(transport.SerialConfig{
			Port:     s.Port,
			Baud:     s.Baud,
			DataBits: s.DataBits,
			Parity:   s.Parity,
			StopBits: s.StopBits,
		})
	}
	return transport.TCPDialer(
		d.Source.Endpoint,
		d.Source.OwnPort,
		time.Duration(d.Source.DialTimeoutMs)*time.Millisecond,
	)
}

// PolicyFor derives the retry policy from the timing config.
func PolicyFor(d cfg.DeviceConfig) Policy {
	return Policy{
		MaxRetries:       d.Timing.MaxRetry,
		RequestTimeout:   time.Duration(d.Timing.RequestTimeoutMs) * time.Millisecond,
		CharacterTimeout: time.Duration(d.Timing.CharacterTimeoutMs) * time.Millisecond,
	}
}
