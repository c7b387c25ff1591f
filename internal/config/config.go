// ABOUTME: Configuration loading and parsing for parley-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Channels ChannelsConfig `yaml:"channels"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AuthConfig holds token signing configuration
type AuthConfig struct {
	TokenSecret string `yaml:"token_secret"`
}

// ChannelsConfig holds per-channel resource limits
type ChannelsConfig struct {
	SyncWaitCap  time.Duration `yaml:"-"`
	MaxBodyBytes int           `yaml:"max_body_bytes"`
	PostRate     float64       `yaml:"post_rate"`
	PostBurst    int           `yaml:"post_burst"`

	// Raw string value for YAML unmarshaling
	SyncWaitCapRaw string `yaml:"sync_wait_cap"`
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
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required")
	}
	if len(c.Auth.TokenSecret) < 16 {
		return fmt.Errorf("auth.token_secret must be at least 16 bytes")
	}
	if c.Channels.MaxBodyBytes < 0 {
		return fmt.Errorf("channels.max_body_bytes must not be negative")
	}
	if c.Channels.PostRate < 0 {
		return fmt.Errorf("channels.post_rate must not be negative")
	}
	if c.Channels.PostRate > 0 && c.Channels.PostBurst <= 0 {
		return fmt.Errorf("channels.post_burst must be positive when post_rate is set")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Channels.SyncWaitCapRaw != "" {
		cfg.Channels.SyncWaitCap, err = time.ParseDuration(cfg.Channels.SyncWaitCapRaw)
		if err != nil {
			return fmt.Errorf("parsing sync_wait_cap %q: %w", cfg.Channels.SyncWaitCapRaw, err)
		}
	}

	return nil
}
