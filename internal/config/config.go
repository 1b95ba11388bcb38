// ABOUTME: Configuration loading and parsing for atrium-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete atrium-gateway configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Events  EventsConfig  `yaml:"events"`
	Hub     HubConfig     `yaml:"hub"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Limits  LimitsConfig  `yaml:"limits"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// EventsConfig holds event bus and stream timing configuration
type EventsConfig struct {
	QueueCapacity     int           `yaml:"queue_capacity"`
	HeartbeatInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
}

// EndpointConfig declares one expert endpoint for the Integration Hub.
// Zero breaker fields fall back to the hub-level defaults.
type EndpointConfig struct {
	Name             string        `yaml:"name" toml:"name"`
	Address          string        `yaml:"address" toml:"address"`
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"-" toml:"-"`

	RecoveryTimeoutRaw string `yaml:"recovery_timeout" toml:"recovery_timeout"`
}

// HubConfig holds Integration Hub configuration
type HubConfig struct {
	InvokeTimeout    time.Duration `yaml:"-"`
	RecoveryTimeout  time.Duration `yaml:"-"`
	FailureThreshold int           `yaml:"failure_threshold"`
	// ManifestPath optionally names a TOML file declaring additional endpoints.
	ManifestPath string           `yaml:"manifest_path"`
	Endpoints    []EndpointConfig `yaml:"endpoints"`

	InvokeTimeoutRaw   string `yaml:"invoke_timeout"`
	RecoveryTimeoutRaw string `yaml:"recovery_timeout"`
}

// LedgerConfig holds event ledger configuration. An empty path disables the
// ledger and the recent-events endpoint.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// LimitsConfig holds connection churn guard configuration
type LimitsConfig struct {
	OpenRate  float64 `yaml:"open_rate"`
	OpenBurst int     `yaml:"open_burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Events.QueueCapacity < 0 {
		return fmt.Errorf("events.queue_capacity must not be negative")
	}
	if c.Hub.FailureThreshold < 0 {
		return fmt.Errorf("hub.failure_threshold must not be negative")
	}

	seen := make(map[string]struct{}, len(c.Hub.Endpoints))
	for _, ep := range c.Hub.Endpoints {
		if ep.Name == "" || ep.Address == "" {
			return fmt.Errorf("hub.endpoints entries require name and address")
		}
		if _, dup := seen[ep.Name]; dup {
			return fmt.Errorf("hub.endpoints: duplicate endpoint name %q", ep.Name)
		}
		seen[ep.Name] = struct{}{}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Events.HeartbeatIntervalRaw != "" {
		cfg.Events.HeartbeatInterval, err = time.ParseDuration(cfg.Events.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Events.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Hub.InvokeTimeoutRaw != "" {
		cfg.Hub.InvokeTimeout, err = time.ParseDuration(cfg.Hub.InvokeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing invoke_timeout %q: %w", cfg.Hub.InvokeTimeoutRaw, err)
		}
	}

	if cfg.Hub.RecoveryTimeoutRaw != "" {
		cfg.Hub.RecoveryTimeout, err = time.ParseDuration(cfg.Hub.RecoveryTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing recovery_timeout %q: %w", cfg.Hub.RecoveryTimeoutRaw, err)
		}
	}

	for i := range cfg.Hub.Endpoints {
		ep := &cfg.Hub.Endpoints[i]
		if ep.RecoveryTimeoutRaw == "" {
			continue
		}
		ep.RecoveryTimeout, err = time.ParseDuration(ep.RecoveryTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing endpoint %q recovery_timeout %q: %w", ep.Name, ep.RecoveryTimeoutRaw, err)
		}
	}

	return nil
}
