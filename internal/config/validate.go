// internal/config/validate.go
package config

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/rs/zerolog"
)

// SupportedVersions is the range of config schema versions this build reads.
const SupportedVersions = "~1.0"

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}

	// ------------------------------------------------------------
	// SCHEMA VERSION
	// ------------------------------------------------------------

	if cfg.Version != "" {
		v, err := semver.NewVersion(cfg.Version)
		if err != nil {
			return fmt.Errorf("version %q: %w", cfg.Version, err)
		}
		c, err := semver.NewConstraint(SupportedVersions)
		if err != nil {
			return fmt.Errorf("version constraint: %w", err)
		}
		if !c.Check(v) {
			return fmt.Errorf("version %s not supported (want %s)", cfg.Version, SupportedVersions)
		}
	}

	if cfg.LogLevel != "" {
		if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
			return fmt.Errorf("log_level %q: %w", cfg.LogLevel, err)
		}
	}

	if cfg.Mirror != nil {
		if cfg.Mirror.Endpoint == "" {
			return fmt.Errorf("mirror: endpoint required")
		}
		switch cfg.Mirror.Protocol {
		case "", "modbus", "ingest":
		default:
			return fmt.Errorf("mirror: unknown protocol %q", cfg.Mirror.Protocol)
		}
	}

	// ------------------------------------------------------------
	// DEVICES
	// ------------------------------------------------------------

	if len(cfg.Devices) == 0 {
		return fmt.Errorf("devices: at least one device required")
	}

	seen := make(map[string]struct{})
	// key = mirror slot
	slotOwner := make(map[uint16]string)

	for _, d := range cfg.Devices {
		if d.ID == "" {
			return fmt.Errorf("device: id required")
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("device %q: duplicate id", d.ID)
		}
		seen[d.ID] = struct{}{}

		switch d.Kind {
		case KindCoinDispenser, KindScale:
			if err := validateSource(d); err != nil {
				return err
			}
			if err := validateTiming(d); err != nil {
				return err
			}
		case KindHardTotals:
			if cfg.Store.Path == "" {
				return fmt.Errorf("device %q: hard totals need store.path", d.ID)
			}
			if d.HardTotals != nil && d.HardTotals.Size < 0 {
				return fmt.Errorf("device %q: hard_totals.size must be >= 0", d.ID)
			}
		default:
			return fmt.Errorf("device %q: unknown kind %q", d.ID, d.Kind)
		}

		if d.Kind == KindCoinDispenser {
			if d.Coin.NearLimit < 0 || d.Coin.SlotCapacity < 0 {
				return fmt.Errorf("device %q: coin limits must be >= 0", d.ID)
			}
		}

		if d.Kind == KindScale {
			if d.Scale.MaximumWeight < 0 || d.Scale.DefaultTare < 0 {
				return fmt.Errorf("device %q: scale limits must be >= 0", d.ID)
			}
			if d.Scale.MaximumWeight > 0 && d.Scale.DefaultTare >= d.Scale.MaximumWeight {
				return fmt.Errorf("device %q: default_tare must be below maximum_weight", d.ID)
			}
		}

		// device_name sanity (ASCII only)
		for i := 0; i < len(d.DeviceName); i++ {
			if d.DeviceName[i] > 0x7F {
				return fmt.Errorf("device %q: device_name must contain ASCII characters only", d.ID)
			}
		}

		// mirror is opt-in
		if d.MirrorSlot == nil {
			continue
		}
		if cfg.Mirror == nil {
			return fmt.Errorf("device %q: mirror_slot is set but no mirror is configured", d.ID)
		}
		slot := *d.MirrorSlot
		if prev, exists := slotOwner[slot]; exists {
			return fmt.Errorf("mirror_slot collision: slot=%d used by devices %q and %q", slot, prev, d.ID)
		}
		slotOwner[slot] = d.ID
	}

	return nil
}

func validateSource(d DeviceConfig) error {
	s := d.Source
	if s.Serial != nil && s.Endpoint != "" {
		return fmt.Errorf("device %q: source endpoint and serial are mutually exclusive", d.ID)
	}
	if s.Serial != nil {
		if s.Serial.Port == "" {
			return fmt.Errorf("device %q: serial port required", d.ID)
		}
		if s.Serial.Baud < 0 {
			return fmt.Errorf("device %q: serial baud must be >= 0", d.ID)
		}
		switch strings.ToLower(s.Serial.Parity) {
		case "", "none", "odd", "even", "mark", "space":
		default:
			return fmt.Errorf("device %q: serial parity %q unknown", d.ID, s.Serial.Parity)
		}
	}
	if s.OwnPort < 0 || s.OwnPort > 65535 {
		return fmt.Errorf("device %q: own_port %d out of range", d.ID, s.OwnPort)
	}
	return nil
}

func validateTiming(d DeviceConfig) error {
	t := d.Timing
	if t.RequestTimeoutMs < 0 || t.CharacterTimeoutMs < 0 || t.PollIntervalMs < 0 || t.MinClaimTimeoutMs < 0 {
		return fmt.Errorf("device %q: timing values must be >= 0", d.ID)
	}
	if t.MaxRetry < 0 {
		return fmt.Errorf("device %q: max_retry must be >= 0", d.ID)
	}
	return nil
}
