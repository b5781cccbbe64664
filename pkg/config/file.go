package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sosodev/duration"

	"github.com/nicktill/tinyhelm/pkg/scheduler"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Storage backends
const (
	StorageBadger = "badger"
	StorageMemory = "memory"
)

// Averaging strategies
const (
	StrategyWindow   = "window"
	StrategyAdaptive = "adaptive"
)

// Duration is a time.Duration that reads either Go syntax ("90s") or
// ISO 8601 ("PT1M30S") from TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ParseDuration accepts Go durations ("2s", "1m30s") and ISO 8601 durations
// ("PT2S", "P1DT2H"). Negative values are returned as parsed.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	iso, err := duration.Parse(strings.ToUpper(s))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: want Go (2s) or ISO 8601 (PT2S) syntax", s)
	}
	return iso.ToTimeDuration(), nil
}

// DeviceConfig mounts one simulated device at startup.
type DeviceConfig struct {
	Kind string `toml:"kind"`

	// Commands sent right after mounting, e.g. ["start", "rpm 1200"]
	Commands []string `toml:"commands"`
}

// Config is the runtime configuration of the hub.
type Config struct {
	Port        string `toml:"port"`
	DataDir     string `toml:"data_dir"`
	Storage     string `toml:"storage"`
	MaxMemoryMB int64  `toml:"max_memory_mb"`
	LogLevel    string `toml:"log_level"`

	Polling struct {
		Pulses int    `toml:"pulses"`
		Unit   string `toml:"unit"`
	} `toml:"polling"`

	Average struct {
		Strategy   string   `toml:"strategy"`
		Retention  Duration `toml:"retention"`
		MaxSamples int      `toml:"max_samples"`
	} `toml:"average"`

	Intervals struct {
		Checkpoint Duration `toml:"checkpoint"`
		Broadcast  Duration `toml:"broadcast"`
		BadgerGC   Duration `toml:"badger_gc"`
	} `toml:"intervals"`

	Devices []DeviceConfig `toml:"devices"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{
		Port:        DefaultPort,
		DataDir:     DefaultDataDir,
		Storage:     DefaultStorage,
		MaxMemoryMB: DefaultMaxMemoryMB,
		LogLevel:    DefaultLogLevel,
	}
	cfg.Polling.Pulses = DefaultPulses
	cfg.Polling.Unit = DefaultUnit
	cfg.Average.Strategy = DefaultStrategy
	cfg.Average.Retention = Duration{DefaultRetention}
	cfg.Average.MaxSamples = DefaultMaxSamples
	cfg.Intervals.Checkpoint = Duration{CheckpointInterval}
	cfg.Intervals.Broadcast = Duration{BroadcastInterval}
	cfg.Intervals.BadgerGC = Duration{BadgerGCInterval}
	return cfg
}

// Load reads configuration in this order, later sources winning:
//  1. defaults
//  2. the file at path, or DefaultConfigFile in the working directory if
//     path is empty and that file exists
//  3. TINYHELM_* environment variables
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TINYHELM_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("TINYHELM_PORT"); ok && v != "" {
		c.Port = v
	}
	if v, ok := lookup("TINYHELM_DATA_DIR"); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup("TINYHELM_STORAGE"); ok && v != "" {
		c.Storage = strings.ToLower(v)
	}
	if v, ok := lookup("TINYHELM_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup("TINYHELM_MAX_MEMORY_MB"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: TINYHELM_MAX_MEMORY_MB=%q", ErrInvalidConfig, v)
		}
		c.MaxMemoryMB = n
	}
	if v, ok := lookup("TINYHELM_FREQUENCY"); ok && v != "" {
		f, err := scheduler.ParseFrequency(v)
		if err != nil {
			return fmt.Errorf("%w: TINYHELM_FREQUENCY: %w", ErrInvalidConfig, err)
		}
		c.Polling.Pulses = f.Pulses
		c.Polling.Unit = string(f.Unit)
	}
	return nil
}

// Frequency returns the configured polling frequency.
func (c *Config) Frequency() (scheduler.Frequency, error) {
	unit, err := scheduler.ParseUnit(c.Polling.Unit)
	if err != nil {
		return scheduler.Frequency{}, err
	}
	f := scheduler.Frequency{Pulses: c.Polling.Pulses, Unit: unit}
	if _, err := f.Period(); err != nil {
		return scheduler.Frequency{}, err
	}
	return f, nil
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.LogLevel)
	}
	return level, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Frequency(); err != nil {
		errs = append(errs, fmt.Errorf("polling: %w", err))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage {
	case StorageBadger, StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage))
	}
	switch c.Average.Strategy {
	case StrategyWindow, StrategyAdaptive:
	default:
		errs = append(errs, fmt.Errorf("unknown averaging strategy %q", c.Average.Strategy))
	}
	if c.Average.Retention.Duration < 0 {
		errs = append(errs, errors.New("average retention must not be negative"))
	}
	if c.Average.MaxSamples <= 0 {
		errs = append(errs, errors.New("average max_samples must be positive"))
	}
	if c.Intervals.Checkpoint.Duration <= 0 || c.Intervals.Broadcast.Duration <= 0 || c.Intervals.BadgerGC.Duration <= 0 {
		errs = append(errs, errors.New("task intervals must be positive"))
	}
	for i, d := range c.Devices {
		if d.Kind == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: kind is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
