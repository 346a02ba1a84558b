// Package config loads cdpctl settings from a TOML or YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pjaol/cdp-browser/internal/cdp"
	"github.com/pjaol/cdp-browser/internal/logging"
	"gopkg.in/yaml.v3"
)

const (
	EnvEndpoint        = "CDPCTL_ENDPOINT"
	EnvConnectAttempts = "CDPCTL_CONNECT_ATTEMPTS"
)

// DefaultEndpoint is the local Chrome debugging port.
const DefaultEndpoint = "127.0.0.1:9222"

// Config is the resolved runtime configuration.
type Config struct {
	Endpoint  string
	Connect   cdp.RetryPolicy
	Heartbeat HeartbeatConfig
	RateLimit RateLimitConfig
	Log       logging.Config
	Metrics   MetricsConfig
}

// HeartbeatConfig controls Browser.Heartbeat for long-lived sessions.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// RateLimitConfig paces outbound commands. RPS of zero disables pacing.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Endpoint: DefaultEndpoint,
		Connect:  cdp.DefaultRetryPolicy(),
		Heartbeat: HeartbeatConfig{
			Interval: 5 * time.Second,
			Timeout:  5 * time.Second,
		},
		RateLimit: RateLimitConfig{Burst: 1},
		Log:       logging.DefaultConfig(),
	}
}

// fileConfig is the on-disk shape shared by TOML and YAML. Pointers
// distinguish unset fields from zero values.
type fileConfig struct {
	Endpoint *string `toml:"endpoint" yaml:"endpoint"`

	Connect struct {
		MaxAttempts  *int     `toml:"max_attempts" yaml:"max_attempts"`
		InitialDelay *string  `toml:"initial_delay" yaml:"initial_delay"`
		MaxDelay     *string  `toml:"max_delay" yaml:"max_delay"`
		Multiplier   *float64 `toml:"multiplier" yaml:"multiplier"`
		Jitter       *float64 `toml:"jitter" yaml:"jitter"`
	} `toml:"connect" yaml:"connect"`

	Heartbeat struct {
		Interval *string `toml:"interval" yaml:"interval"`
		Timeout  *string `toml:"timeout" yaml:"timeout"`
	} `toml:"heartbeat" yaml:"heartbeat"`

	RateLimit struct {
		RPS   *float64 `toml:"rps" yaml:"rps"`
		Burst *int     `toml:"burst" yaml:"burst"`
	} `toml:"rate_limit" yaml:"rate_limit"`

	Log struct {
		Level     *string `toml:"level" yaml:"level"`
		Format    *string `toml:"format" yaml:"format"`
		NoColor   *bool   `toml:"no_color" yaml:"no_color"`
		Timestamp *bool   `toml:"timestamp" yaml:"timestamp"`
	} `toml:"log" yaml:"log"`

	Metrics struct {
		Addr *string `toml:"addr" yaml:"addr"`
	} `toml:"metrics" yaml:"metrics"`
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides and validates the result. The format is chosen by extension:
// .toml, or .yaml/.yml.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := decodeFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := merge(&cfg, raw); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string) (fileConfig, error) {
	var raw fileConfig

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return fileConfig{}, fmt.Errorf("load config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fileConfig{}, fmt.Errorf("load config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fileConfig{}, fmt.Errorf("load config %s: %w", path, err)
		}
	default:
		return fileConfig{}, fmt.Errorf("load config %s: unsupported extension %q", path, ext)
	}
	return raw, nil
}

func merge(cfg *Config, raw fileConfig) error {
	if raw.Endpoint != nil {
		cfg.Endpoint = strings.TrimSpace(*raw.Endpoint)
	}

	c := raw.Connect
	if c.MaxAttempts != nil {
		cfg.Connect.MaxAttempts = *c.MaxAttempts
	}
	if err := setDuration(&cfg.Connect.InitialDelay, c.InitialDelay, "connect.initial_delay"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Connect.MaxDelay, c.MaxDelay, "connect.max_delay"); err != nil {
		return err
	}
	if c.Multiplier != nil {
		cfg.Connect.Multiplier = *c.Multiplier
	}
	if c.Jitter != nil {
		cfg.Connect.Jitter = *c.Jitter
	}

	if err := setDuration(&cfg.Heartbeat.Interval, raw.Heartbeat.Interval, "heartbeat.interval"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Heartbeat.Timeout, raw.Heartbeat.Timeout, "heartbeat.timeout"); err != nil {
		return err
	}

	if raw.RateLimit.RPS != nil {
		cfg.RateLimit.RPS = *raw.RateLimit.RPS
	}
	if raw.RateLimit.Burst != nil {
		cfg.RateLimit.Burst = *raw.RateLimit.Burst
	}

	if raw.Log.Level != nil {
		cfg.Log.Level = *raw.Log.Level
	}
	if raw.Log.Format != nil {
		cfg.Log.Format = *raw.Log.Format
	}
	if raw.Log.NoColor != nil {
		cfg.Log.NoColor = *raw.Log.NoColor
	}
	if raw.Log.Timestamp != nil {
		cfg.Log.Timestamp = *raw.Log.Timestamp
	}

	if raw.Metrics.Addr != nil {
		cfg.Metrics.Addr = strings.TrimSpace(*raw.Metrics.Addr)
	}
	return nil
}

func setDuration(dst *time.Duration, raw *string, key string) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(*raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

// ApplyEnvOverrides overlays CDPCTL_* variables onto cfg.
func ApplyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvEndpoint)); v != "" {
		cfg.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvConnectAttempts)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvConnectAttempts, err)
		}
		cfg.Connect.MaxAttempts = n
	}
	logging.ApplyEnvOverrides(&cfg.Log)
	return nil
}

// Validate rejects settings the engine cannot honour.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Endpoint) == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.Connect.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("connect.max_attempts must be at least 1, got %d", c.Connect.MaxAttempts))
	}
	if c.Connect.InitialDelay < 0 || c.Connect.MaxDelay < 0 {
		errs = append(errs, errors.New("connect delays must not be negative"))
	}
	if c.Connect.Jitter < 0 {
		errs = append(errs, fmt.Errorf("connect.jitter must not be negative, got %v", c.Connect.Jitter))
	}
	if c.Heartbeat.Interval < 0 || c.Heartbeat.Timeout < 0 {
		errs = append(errs, errors.New("heartbeat durations must not be negative"))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.rps must not be negative, got %v", c.RateLimit.RPS))
	}
	if c.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.burst must not be negative, got %d", c.RateLimit.Burst))
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("log.level %q is not a known level", c.Log.Level))
	}
	return errors.Join(errs...)
}
