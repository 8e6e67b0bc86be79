// internal/config/normalize.go
package config

// Defaults for device kinds.
const (
	DefaultCoinEndpoint = "127.0.0.1:56789"
	DefaultHardTotals   = 0x8000
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Mirror != nil {
		if cfg.Mirror.Protocol == "" {
			cfg.Mirror.Protocol = "modbus"
		}
		if cfg.Mirror.TimeoutMs <= 0 {
			cfg.Mirror.TimeoutMs = 500
		}
	}

	for i := range cfg.Devices {
		d := &cfg.Devices[i]

		switch d.Kind {
		case KindCoinDispenser:
			normalizeCoin(d)
		case KindScale:
			normalizeScale(d)
		case KindHardTotals:
			if d.HardTotals == nil {
				d.HardTotals = &HardTotalsConfig{}
			}
			if d.HardTotals.Size == 0 {
				d.HardTotals.Size = DefaultHardTotals
			}
		}

		if d.Source.DialTimeoutMs <= 0 {
			d.Source.DialTimeoutMs = 1000
		}

		// Truncate device_name to max 16 characters
		if len(d.DeviceName) > 16 {
			d.DeviceName = d.DeviceName[:16]
		}
	}
}

func normalizeCoin(d *DeviceConfig) {
	if d.Source.Endpoint == "" && d.Source.Serial == nil {
		d.Source.Endpoint = DefaultCoinEndpoint
	}
	t := &d.Timing
	setDefault(&t.RequestTimeoutMs, 200)
	setDefault(&t.CharacterTimeoutMs, 50)
	setDefault(&t.PollIntervalMs, 500)
	setDefault(&t.MinClaimTimeoutMs, 100)
	setDefault(&d.Coin.NearLimit, 2)
	setDefault(&d.Coin.SlotCapacity, 999)
}

func normalizeScale(d *DeviceConfig) {
	if s := d.Source.Serial; s != nil {
		setDefault(&s.Baud, 4800)
		setDefault(&s.DataBits, 7)
		setDefault(&s.StopBits, 1)
		if s.Parity == "" {
			s.Parity = "odd"
		}
	}
	t := &d.Timing
	setDefault(&t.RequestTimeoutMs, 1000)
	setDefault(&t.CharacterTimeoutMs, 20)
	setDefault(&t.PollIntervalMs, 500)
	setDefault(&t.MinClaimTimeoutMs, (t.MaxRetry+2)*t.RequestTimeoutMs)
	setDefault(&d.Scale.MaximumWeight, 5000)
	setDefault(&d.Scale.DefaultTare, 2)
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}
