// internal/config/config.go
package config

type Config struct {
	Version  string         `yaml:"version"`
	LogLevel string         `yaml:"log_level" env:"POSHAL_LOG_LEVEL"`
	Feed     FeedConfig     `yaml:"feed"`
	Mirror   *MirrorConfig  `yaml:"mirror"`
	Store    StoreConfig    `yaml:"store"`
	Devices  []DeviceConfig `yaml:"devices"`
}

// ---- FEED ----

type FeedConfig struct {
	Listen string `yaml:"listen" env:"POSHAL_FEED_LISTEN"` // empty disables the feed
}

// ---- STATUS MIRROR ----

type MirrorConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Protocol  string `yaml:"protocol"` // modbus | ingest
	UnitID    uint8  `yaml:"unit_id"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// ---- HARD TOTALS STORE ----

type StoreConfig struct {
	Path string `yaml:"path" env:"POSHAL_STORE_PATH"`
}

// ---- DEVICE ----

type DeviceKind string

const (
	KindCoinDispenser DeviceKind = "coin_dispenser"
	KindScale         DeviceKind = "scale"
	KindHardTotals    DeviceKind = "hard_totals"
)

type DeviceConfig struct {
	ID     string       `yaml:"id"`
	Kind   DeviceKind   `yaml:"kind"`
	Source SourceConfig `yaml:"source"`
	Timing TimingConfig `yaml:"timing"`

	Coin       CoinConfig        `yaml:"coin"`
	Scale      ScaleConfig       `yaml:"scale"`
	HardTotals *HardTotalsConfig `yaml:"hard_totals"`

	// Status mirror block (optional, opt-in)
	MirrorSlot *uint16 `yaml:"mirror_slot"`
	DeviceName string  `yaml:"device_name"`
}

// ---- SOURCE ----

type SourceConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	OwnPort       int           `yaml:"own_port"`
	DialTimeoutMs int           `yaml:"dial_timeout_ms"`
	Serial        *SerialConfig `yaml:"serial"`
}

type SerialConfig struct {
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"`
	StopBits int    `yaml:"stop_bits"`
}

// ---- TIMING ----

type TimingConfig struct {
	RequestTimeoutMs   int `yaml:"request_timeout_ms"`
	CharacterTimeoutMs int `yaml:"character_timeout_ms"`
	PollIntervalMs     int `yaml:"poll_interval_ms"`
	MinClaimTimeoutMs  int `yaml:"min_claim_timeout_ms"`
	MaxRetry           int `yaml:"max_retry"`
}

// ---- DEVICE SPECIFIC ----

type CoinConfig struct {
	NearLimit    int `yaml:"near_limit"`
	SlotCapacity int `yaml:"slot_capacity"`
}

type ScaleConfig struct {
	MaximumWeight int `yaml:"maximum_weight"`
	DefaultTare   int `yaml:"default_tare"`
}

type HardTotalsConfig struct {
	Size       int  `yaml:"size"`
	SingleFile bool `yaml:"single_file"`
}
