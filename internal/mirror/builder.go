// internal/mirror/builder.go
package mirror

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	cfg "github.com/tamzrod/pos-hal/internal/config"
	"github.com/tamzrod/pos-hal/internal/mirror/ingest"
	mbclient "github.com/tamzrod/pos-hal/internal/mirror/modbus"
)

// BuildPlans returns one plan per device that opted into the mirror.
// Assumes config has passed validation.
func BuildPlans(mc cfg.MirrorConfig, devices []cfg.DeviceConfig) []Plan {
	var plans []Plan
	for _, d := range devices {
		if d.MirrorSlot == nil {
			continue
		}
		name := d.DeviceName
		if name == "" {
			name = d.ID
		}
		plans = append(plans, Plan{
			DeviceID:   d.ID,
			DeviceName: name,
			UnitID:     mc.UnitID,
			BaseSlot:   *d.MirrorSlot,
		})
	}
	return plans
}

// Build creates the mirror client and a sink covering every mirrored device.
func Build(mc *cfg.MirrorConfig, devices []cfg.DeviceConfig, log zerolog.Logger) (*StatusSink, error) {
	if mc == nil {
		return nil, errors.New("mirror: not configured")
	}

	timeout := time.Duration(mc.TimeoutMs) * time.Millisecond

	var cli endpointClient
	switch mc.Protocol {
	case "", "modbus":
		c, err := mbclient.NewEndpointClient(mbclient.Config{Endpoint: mc.Endpoint, Timeout: timeout})
		if err != nil {
			return nil, err
		}
		cli = c
	case "ingest":
		c, err := ingest.NewEndpointClient(ingest.Config{Endpoint: mc.Endpoint, Timeout: timeout})
		if err != nil {
			return nil, err
		}
		cli = c
	default:
		return nil, fmt.Errorf("mirror: unknown protocol %q", mc.Protocol)
	}

	plans := BuildPlans(*mc, devices)
	log = log.With().Str("component", "mirror").Str("endpoint", mc.Endpoint).Logger()
	log.Info().Int("devices", len(plans)).Str("protocol", mc.Protocol).Msg("status mirror ready")
	return newStatusSink(cli, plans, log), nil
}
