// Package config loads the settings for a tilemux pipeline.
//
// Values come from three layers, later layers winning:
//   - envconfig defaults and TILEMUX_* environment variables
//   - an optional YAML file, which only overrides the keys it sets
//   - command line flags, applied by the cli package
//
// The result is validated once; tiles receive plain values and never read
// the environment themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"tilemux/constants"
	"tilemux/debug"
	"tilemux/utils"
)

// Prefix is the environment variable prefix.
const Prefix = "TILEMUX"

var ErrInvalid = errors.New("config: invalid")

// Config holds all pipeline configuration.
type Config struct {
	Log      debug.Config   `yaml:"log"`
	Wksp     WkspConfig     `yaml:"wksp"`
	Mux      MuxConfig      `yaml:"mux"`
	Demo     DemoConfig     `yaml:"demo"`
	Recorder RecorderConfig `yaml:"recorder"`
	Monitor  MonitorConfig  `yaml:"monitor"`
}

// WkspConfig selects the shared memory backing. An empty Path keeps the
// workspace on the heap of this process.
type WkspConfig struct {
	Path string `envconfig:"FILE" default:"" yaml:"path"`
	Size int    `envconfig:"SIZE" default:"67108864" yaml:"size"`
}

// MuxConfig sizes rings and flow control for every mux in the pipeline.
type MuxConfig struct {
	Depth uint64 `envconfig:"DEPTH" default:"1024" yaml:"depth"`
	MTU   int    `envconfig:"MTU" default:"1232" yaml:"mtu"`
	Burst uint64 `envconfig:"BURST" default:"1" yaml:"burst"`
	CrMax uint64 `envconfig:"CR_MAX" default:"0" yaml:"cr_max"`
	Lazy  int64  `envconfig:"LAZY_NS" default:"0" yaml:"lazy_ns"`
}

// DemoConfig shapes the demo topology.
type DemoConfig struct {
	Sources     int           `envconfig:"SOURCES" default:"2" yaml:"sources"`
	DupRate     float64       `envconfig:"DUP_RATE" default:"0.1" yaml:"dup_rate"`
	PayloadMin  int           `envconfig:"PAYLOAD_MIN" default:"64" yaml:"payload_min"`
	PayloadMax  int           `envconfig:"PAYLOAD_MAX" default:"512" yaml:"payload_max"`
	RelayBatch  int           `envconfig:"RELAY_BATCH" default:"1" yaml:"relay_batch"`
	DedupBits   uint          `envconfig:"DEDUP_BITS" default:"16" yaml:"dedup_bits"`
	DedupWindow uint64        `envconfig:"DEDUP_WINDOW" default:"1048576" yaml:"dedup_window"`
	Duration    time.Duration `envconfig:"DURATION" default:"5s" yaml:"duration"`
	FirstCore   int           `envconfig:"FIRST_CORE" default:"-1" yaml:"first_core"`
	Seed        uint64        `envconfig:"SEED" default:"0" yaml:"seed"`
}

// RecorderConfig enables the sqlite recorder when Path is set.
type RecorderConfig struct {
	Path  string `envconfig:"DB" default:"" yaml:"path"`
	Queue int    `envconfig:"QUEUE" default:"4096" yaml:"queue"`
	Batch int    `envconfig:"BATCH" default:"256" yaml:"batch"`
}

// MonitorConfig controls diagnostics export.
type MonitorConfig struct {
	Addr            string        `envconfig:"ADDR" default:"" yaml:"addr"`
	CswitchInterval time.Duration `envconfig:"CSWITCH_INTERVAL" default:"1s" yaml:"cswitch_interval"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Log:  debug.DefaultConfig(),
		Wksp: WkspConfig{Size: constants.WkspSize},
		Mux: MuxConfig{
			Depth: constants.Depth,
			MTU:   constants.MTU,
			Burst: constants.Burst,
		},
		Demo: DemoConfig{
			Sources:     2,
			DupRate:     0.1,
			PayloadMin:  64,
			PayloadMax:  512,
			RelayBatch:  1,
			DedupBits:   constants.DedupBits,
			DedupWindow: constants.DedupWindow,
			Duration:    5 * time.Second,
			FirstCore:   -1,
		},
		Recorder: RecorderConfig{
			Queue: constants.RecorderQueue,
			Batch: constants.RecorderBatch,
		},
		Monitor: MonitorConfig{
			CswitchInterval: time.Duration(constants.CswitchIntervalNs),
		},
	}
}

// Load reads the environment and, when path is not empty, overlays the YAML
// file at path. The result is validated.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault is Load without a file, falling back to Default on error.
func LoadOrDefault() *Config {
	cfg, err := Load("")
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate checks ranges the tiles would otherwise reject one by one at
// boot.
func (c *Config) Validate() error {
	switch {
	case c.Wksp.Size <= 0:
		return invalid("wksp.size", "must be positive, got %d", c.Wksp.Size)
	case c.Mux.Depth < 2 || !utils.IsPow2(c.Mux.Depth):
		return invalid("mux.depth", "must be a power of two >= 2, got %d", c.Mux.Depth)
	case c.Mux.MTU <= 0 || c.Mux.MTU > 0xffff:
		return invalid("mux.mtu", "must be in [1, 65535], got %d", c.Mux.MTU)
	case c.Mux.Burst == 0:
		return invalid("mux.burst", "must be positive")
	case c.Mux.CrMax > c.Mux.Depth:
		return invalid("mux.cr_max", "%d exceeds depth %d", c.Mux.CrMax, c.Mux.Depth)
	case c.Demo.Sources < 1 || c.Demo.Sources > 64:
		return invalid("demo.sources", "must be in [1, 64], got %d", c.Demo.Sources)
	case c.Demo.DupRate < 0 || c.Demo.DupRate > 1:
		return invalid("demo.dup_rate", "must be in [0, 1], got %g", c.Demo.DupRate)
	case c.Demo.PayloadMin < 8 || c.Demo.PayloadMax < c.Demo.PayloadMin || c.Demo.PayloadMax > c.Mux.MTU:
		return invalid("demo.payload", "need 8 <= min <= max <= mtu, got [%d, %d]", c.Demo.PayloadMin, c.Demo.PayloadMax)
	case c.Demo.RelayBatch < 1 || uint64(c.Demo.RelayBatch) > c.Mux.Depth:
		return invalid("demo.relay_batch", "must be in [1, depth], got %d", c.Demo.RelayBatch)
	case c.Demo.DedupBits < 1 || c.Demo.DedupBits > 30:
		return invalid("demo.dedup_bits", "must be in [1, 30], got %d", c.Demo.DedupBits)
	case c.Recorder.Queue < 1 || c.Recorder.Batch < 1:
		return invalid("recorder", "queue and batch must be positive")
	case c.Monitor.CswitchInterval <= 0:
		return invalid("monitor.cswitch_interval", "must be positive")
	}
	return nil
}

func invalid(field, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, field, fmt.Sprintf(format, args...))
}
