package emulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/colorfulnotion/dynarec/blockcache"
	"github.com/colorfulnotion/dynarec/dispatcher"
	"github.com/colorfulnotion/dynarec/fastmem"
	"github.com/colorfulnotion/dynarec/memory"
)

// maxBlockLength caps analyzer output so a block's host code stays
// addressable by a side-table location.
const maxBlockLength = 1024

var ErrInvalidConfig = errors.New("invalid configuration")

type TelemetryConfig struct {
	// MetricsAddr serves Prometheus metrics when set, e.g. "127.0.0.1:9464".
	MetricsAddr string `json:"metrics_addr"`
	// OTLPEndpoint exports cache spans over OTLP/HTTP when set.
	OTLPEndpoint string `json:"otlp_endpoint"`
	OTLPInsecure bool   `json:"otlp_insecure"`
}

type Config struct {
	Memory     memory.Config     `json:"memory"`
	Cache      blockcache.Config `json:"cache"`
	Dispatcher dispatcher.Config `json:"dispatcher"`
	Telemetry  TelemetryConfig   `json:"telemetry"`

	// Slice is the cycle budget between hardware services when no
	// decrementer is configured.
	Slice int64 `json:"slice"`
	// DecrementerPeriod raises the decrementer exception every so many
	// cycles. Zero disables it.
	DecrementerPeriod int64 `json:"decrementer_period"`
	// HotThreshold is how many fastmem recoveries make a site get
	// recompiled with checked accesses.
	HotThreshold uint32 `json:"hot_threshold"`

	TraceFile string `json:"trace_file,omitempty"`
	LogLevel  string `json:"log_level,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Memory:       memory.DefaultConfig(),
		Cache:        blockcache.DefaultConfig(),
		Dispatcher:   dispatcher.DefaultConfig(),
		Slice:        dispatcher.DefaultSlice,
		HotThreshold: fastmem.DefaultHotThreshold,
		LogLevel:     "info",
	}
}

// LoadConfig reads a JSON configuration on top of the defaults, so a file
// only needs the fields it changes.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	ram := c.Memory.RAMSize
	if ram < 64<<10 || ram > 512<<20 || ram&(ram-1) != 0 {
		return fmt.Errorf("%w: %w: %#x", ErrInvalidConfig, memory.ErrBadRAMSize, ram)
	}
	if _, err := dispatcher.ParseMode(string(c.Dispatcher.Mode)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Cache.MaxBlockLength < 1 || c.Cache.MaxBlockLength > maxBlockLength {
		return fmt.Errorf("%w: max_block_length %d not in [1, %d]", ErrInvalidConfig, c.Cache.MaxBlockLength, maxBlockLength)
	}
	if c.Cache.CodeBudget <= 0 {
		return fmt.Errorf("%w: code_budget must be positive", ErrInvalidConfig)
	}
	if c.Slice <= 0 {
		return fmt.Errorf("%w: slice must be positive", ErrInvalidConfig)
	}
	if c.DecrementerPeriod < 0 {
		return fmt.Errorf("%w: negative decrementer_period", ErrInvalidConfig)
	}
	if c.HotThreshold == 0 {
		return fmt.Errorf("%w: hot_threshold must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// hardware picks the hardware collaborator the configuration describes.
func (c Config) hardware() dispatcher.Hardware {
	if c.DecrementerPeriod > 0 {
		return &dispatcher.Decrementer{Period: c.DecrementerPeriod}
	}
	return dispatcher.FixedSlice(c.Slice)
}
