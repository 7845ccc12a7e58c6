// Package config loads settings for the wasmboot command from a TOML file
// and WASMBOOT_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-boot/errors"
	"github.com/wippyai/wasm-boot/host"
	"github.com/wippyai/wasm-boot/startup"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WASMBOOT_"

const (
	ModePrimary = "primary"
	ModeWorker  = "worker"
)

// Config is the effective configuration.
type Config struct {
	Module            string        `env:"MODULE"`
	Args              []string      `env:"ARGS" envSeparator:" "`
	MemoryInit        string        `env:"MEMORY_INIT"`
	MemoryBase        uint32        `env:"MEMORY_BASE"`
	Libraries         []string      `env:"LIBRARIES" envSeparator:","`
	Mode              string        `env:"MODE"`
	Proxy             bool          `env:"PROXY"`
	NoInitialRun      bool          `env:"NO_INITIAL_RUN"`
	Assertions        bool          `env:"ASSERTIONS"`
	Root              string        `env:"ROOT"`
	FetchTimeout      time.Duration `env:"FETCH_TIMEOUT"`
	MaxBody           int64         `env:"MAX_BODY"`
	MemoryLimitPages  uint32        `env:"MEMORY_LIMIT_PAGES"`
	AsyncifyStackSize uint32        `env:"ASYNCIFY_STACK_SIZE"`
	LogLevel          string        `env:"LOG_LEVEL"`
	LogFormat         string        `env:"LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Mode:         ModePrimary,
		FetchTimeout: 30 * time.Second,
		MaxBody:      host.DefaultMaxBody,
		LogLevel:     "info",
		LogFormat:    "console",
	}
}

type fileConfig struct {
	Module            string   `toml:"module"`
	Args              []string `toml:"args"`
	MemoryInit        string   `toml:"memory_init"`
	MemoryBase        uint32   `toml:"memory_base"`
	Libraries         []string `toml:"libraries"`
	Mode              string   `toml:"mode"`
	Proxy             bool     `toml:"proxy"`
	NoInitialRun      bool     `toml:"no_initial_run"`
	Assertions        bool     `toml:"assertions"`
	Root              string   `toml:"root"`
	FetchTimeout      string   `toml:"fetch_timeout"`
	MaxBody           int64    `toml:"max_body"`
	MemoryLimitPages  uint32   `toml:"memory_limit_pages"`
	AsyncifyStackSize uint32   `toml:"asyncify_stack_size"`
	Log               struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

// Load builds the configuration from defaults, the file at path (skipped
// when path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "load config "+path)
	}

	if meta.IsDefined("module") {
		c.Module = strings.TrimSpace(raw.Module)
	}
	if meta.IsDefined("args") {
		c.Args = raw.Args
	}
	if meta.IsDefined("memory_init") {
		c.MemoryInit = strings.TrimSpace(raw.MemoryInit)
	}
	if meta.IsDefined("memory_base") {
		c.MemoryBase = raw.MemoryBase
	}
	if meta.IsDefined("libraries") {
		c.Libraries = normalizeList(raw.Libraries)
	}
	if meta.IsDefined("mode") {
		c.Mode = strings.ToLower(strings.TrimSpace(raw.Mode))
	}
	if meta.IsDefined("proxy") {
		c.Proxy = raw.Proxy
	}
	if meta.IsDefined("no_initial_run") {
		c.NoInitialRun = raw.NoInitialRun
	}
	if meta.IsDefined("assertions") {
		c.Assertions = raw.Assertions
	}
	if meta.IsDefined("root") {
		c.Root = strings.TrimSpace(raw.Root)
	}
	if meta.IsDefined("fetch_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.FetchTimeout))
		if err != nil {
			return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "parse fetch_timeout")
		}
		c.FetchTimeout = d
	}
	if meta.IsDefined("max_body") {
		c.MaxBody = raw.MaxBody
	}
	if meta.IsDefined("memory_limit_pages") {
		c.MemoryLimitPages = raw.MemoryLimitPages
	}
	if meta.IsDefined("asyncify_stack_size") {
		c.AsyncifyStackSize = raw.AsyncifyStackSize
	}
	if meta.IsDefined("log", "level") {
		c.LogLevel = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		c.LogFormat = strings.TrimSpace(raw.Log.Format)
	}
	return nil
}

func (c *Config) loadEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "parse environment")
	}
	c.Mode = strings.ToLower(c.Mode)
	c.Libraries = normalizeList(c.Libraries)
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs error
	if c.Mode != ModePrimary && c.Mode != ModeWorker {
		errs = multierr.Append(errs, errors.InvalidInput(errors.PhaseConfig, "mode must be primary or worker, got "+c.Mode))
	}
	if c.Proxy && c.Mode == ModeWorker {
		errs = multierr.Append(errs, errors.InvalidInput(errors.PhaseConfig, "proxy applies to primary mode only"))
	}
	if c.FetchTimeout < 0 {
		errs = multierr.Append(errs, errors.InvalidInput(errors.PhaseConfig, "fetch_timeout must not be negative"))
	}
	if c.MaxBody < 0 {
		errs = multierr.Append(errs, errors.InvalidInput(errors.PhaseConfig, "max_body must not be negative"))
	}
	if _, err := c.Level(); err != nil {
		errs = multierr.Append(errs, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log level"))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = multierr.Append(errs, errors.InvalidInput(errors.PhaseConfig, "log format must be console or json, got "+c.LogFormat))
	}
	return errs
}

// Level parses LogLevel.
func (c Config) Level() (zapcore.Level, error) {
	return zapcore.ParseLevel(c.LogLevel)
}

// StartupMode maps Mode to the sequencer mode.
func (c Config) StartupMode() startup.Mode {
	if c.Mode == ModeWorker {
		return startup.Worker
	}
	return startup.Primary
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
