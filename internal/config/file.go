// Package config holds the casedfu settings: a YAML file whose values act as
// defaults for command flags.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a casedfu.yaml configuration file.
// All values are optional. CLI flags always override config values.
type Config struct {
	Link     LinkConfig     `yaml:"link"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Host     HostConfig     `yaml:"host"`
	Serial   SerialConfig   `yaml:"serial"`
	BLE      BLEConfig      `yaml:"ble"`
	Store    StoreConfig    `yaml:"store"`
	Status   StatusConfig   `yaml:"status"`
}

// LinkConfig bounds the case link.
type LinkConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	MaxNacks    int `yaml:"max_nacks"`
}

// TimeoutsConfig holds the case watchdogs and the earbuds-in-case wait.
type TimeoutsConfig struct {
	Response  Duration `yaml:"response"`
	NextStage Duration `yaml:"next_stage"`
	Reboot    Duration `yaml:"reboot"`
	InCase    Duration `yaml:"in_case"`
}

// HostConfig shapes how the local file host serves the image.
type HostConfig struct {
	ChunkSize int `yaml:"chunk_size"`
	Window    int `yaml:"window"`
}

// SerialConfig selects the UART bridge to the case.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// BLEConfig selects the BLE bridge to the case.
type BLEConfig struct {
	Name        string   `yaml:"name"`
	ScanTimeout Duration `yaml:"scan_timeout"`
}

// StoreConfig locates the checkpoint store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// StatusConfig enables the HTTP status endpoint.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Link: LinkConfig{MaxAttempts: 3, MaxNacks: 3},
		Timeouts: TimeoutsConfig{
			Response:  Duration{2 * time.Second},
			NextStage: Duration{3 * time.Second},
			Reboot:    Duration{10 * time.Second},
			InCase:    Duration{60 * time.Second},
		},
		Host:   HostConfig{ChunkSize: 64, Window: 1},
		Serial: SerialConfig{Baud: 115200},
		BLE:    BLEConfig{Name: "Case", ScanTimeout: Duration{15 * time.Second}},
	}
}

// Load reads a YAML config file, expands environment variables, and
// unmarshals it over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Link.MaxAttempts < 1:
		return fmt.Errorf("link.max_attempts must be at least 1, got %d", c.Link.MaxAttempts)
	case c.Link.MaxNacks < 0:
		return fmt.Errorf("link.max_nacks must not be negative, got %d", c.Link.MaxNacks)
	case c.Host.ChunkSize < 1:
		return fmt.Errorf("host.chunk_size must be at least 1, got %d", c.Host.ChunkSize)
	case c.Host.Window < 1:
		return fmt.Errorf("host.window must be at least 1, got %d", c.Host.Window)
	case c.Timeouts.Response.Duration <= 0, c.Timeouts.NextStage.Duration <= 0,
		c.Timeouts.Reboot.Duration <= 0, c.Timeouts.InCase.Duration <= 0:
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} patterns in the input string
// with their corresponding environment variable values. Unset variables
// without defaults expand to the empty string.
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		if value, ok := os.LookupEnv(groups[1]); ok && value != "" {
			return value
		}
		if len(groups) >= 3 {
			return groups[2]
		}
		return ""
	})
}
