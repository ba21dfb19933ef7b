package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	// DefaultArenaSize is the replay payload arena (512 KiB).
	DefaultArenaSize = 0x80000
	// DefaultContextPriority is written into every draw context; 1 is the highest priority.
	DefaultContextPriority = 6

	EnvDebug     = "THNEED_DEBUG"
	EnvLogLevel  = "THNEED_LOG_LEVEL"
	EnvLogFormat = "THNEED_LOG_FORMAT"
)

type Config struct {
	PackagePath string
	OutputSize  int

	// Debug is the engine verbosity: 0 silent, 1 summaries, 2 per-argument dumps.
	Debug           int
	ArenaSize       int
	ContextPriority int
	CLInit          bool

	LogLevel  string
	LogFormat string

	MetricsAddr string
	HealthAddr  string
	ExportPath  string
	FlightAddr  string

	Runs int
	Slow bool
}

func (c *Config) Validate() error {
	if c.Debug < 0 || c.Debug > 2 {
		return fmt.Errorf("invalid debug: %d (must be 0, 1 or 2)", c.Debug)
	}
	if c.ArenaSize <= 0 {
		return fmt.Errorf("invalid arena_size: %d (must be positive)", c.ArenaSize)
	}
	if c.ArenaSize%256 != 0 {
		return fmt.Errorf("invalid arena_size: %d (must be a multiple of 256)", c.ArenaSize)
	}
	if c.ContextPriority < 1 || c.ContextPriority > 15 {
		return fmt.Errorf("invalid context_priority: %d (must be 1-15)", c.ContextPriority)
	}
	if c.OutputSize < 0 {
		return fmt.Errorf("invalid output_size: %d (must be non-negative)", c.OutputSize)
	}
	if c.Runs < 0 {
		return fmt.Errorf("invalid runs: %d (must be non-negative)", c.Runs)
	}
	return nil
}

// NeedsPackage reports whether the config can be used to construct a model.
func (c *Config) NeedsPackage() error {
	if c.PackagePath == "" {
		return fmt.Errorf("package path is required")
	}
	if c.OutputSize <= 0 {
		return fmt.Errorf("invalid output_size: %d (must be positive)", c.OutputSize)
	}
	return nil
}

func Default() Config {
	return Config{
		ArenaSize:       DefaultArenaSize,
		ContextPriority: DefaultContextPriority,
		CLInit:          true,
		LogLevel:        "info",
		LogFormat:       "console",
		Runs:            1,
	}
}

// FromEnv overlays the THNEED_* environment onto cfg. A non-numeric debug
// value counts as 0; values are clamped to 0-2, 2 being full verbosity.
func FromEnv(cfg Config) Config {
	if v, ok := os.LookupEnv(EnvDebug); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			n = 0
		}
		cfg.Debug = min(max(n, 0), 2)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.LogFormat = v
	}
	return cfg
}
