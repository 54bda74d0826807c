// Package config loads the supervisor's YAML configuration file: logging,
// client identity, health-check cadence, the diagnostics listener, and the
// tool servers to register at startup.
package config

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpproc"
)

// Config is the root of the configuration file.
type Config struct {
	LogLevel            string                    `yaml:"log_level"`
	LogFormat           string                    `yaml:"log_format"`
	ClientName          string                    `yaml:"client_name"`
	ClientVersion       string                    `yaml:"client_version"`
	HealthCheckInterval time.Duration             `yaml:"health_check_interval"`
	ShutdownTimeout     time.Duration             `yaml:"shutdown_timeout"`
	Diagnostics         Diagnostics               `yaml:"diagnostics"`
	Servers             map[string]mcpproc.Config `yaml:"servers"`
}

// Diagnostics configures the read-only HTTP listener. An empty Addr disables
// it.
type Diagnostics struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

const defaultShutdownTimeout = 15 * time.Second

var validLogLevels = []string{"", "debug", "info", "warn", "error"}

var validLogFormats = []string{"", "text", "json"}

// Load reads the YAML configuration file at path and returns a validated
// Config.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg and returns a joined error listing every problem.
func Validate(cfg *Config) error {
	var errs []error
	if !slices.Contains(validLogLevels, cfg.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if !slices.Contains(validLogFormats, cfg.LogFormat) {
		errs = append(errs, fmt.Errorf("log_format %q is invalid; valid values: text, json", cfg.LogFormat))
	}
	for _, id := range slices.Sorted(maps.Keys(cfg.Servers)) {
		if err := cfg.Servers[id].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("servers.%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// ServerIDs returns the configured server ids in sorted order.
func (c *Config) ServerIDs() []string {
	return slices.Sorted(maps.Keys(c.Servers))
}
