// ABOUTME: Configuration loading and parsing for warden
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete warden configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Agents    AgentsConfig    `yaml:"agents"`
	Queue     QueueConfig     `yaml:"queue"`
	Reboot    RebootConfig    `yaml:"reboot"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	// OperatorTokenTTL bounds the lifetime of operator API tokens minted by
	// "warden bootstrap". Host bearer tokens do not expire.
	OperatorTokenTTL    time.Duration `yaml:"-"`
	OperatorTokenTTLRaw string        `yaml:"operator_token_ttl"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	OfflineThreshold  time.Duration `yaml:"-"`
	WriteTimeout      time.Duration `yaml:"-"`

	// MessageRate caps inbound messages per second per agent session.
	MessageRate  float64 `yaml:"message_rate"`
	MessageBurst int     `yaml:"message_burst"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	OfflineThresholdRaw  string `yaml:"offline_threshold"`
	WriteTimeoutRaw      string `yaml:"write_timeout"`
}

// QueueConfig holds message queue delivery and retention configuration
type QueueConfig struct {
	Lease         time.Duration `yaml:"-"`
	MaxAge        time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// MaxAttempts is the number of delivery claims a message may consume
	// before it is expired.
	MaxAttempts int `yaml:"max_attempts"`

	// ClaimBatch bounds how many messages a single claim pass hands to a
	// freshly connected agent.
	ClaimBatch int `yaml:"claim_batch"`

	LeaseRaw         string `yaml:"lease"`
	MaxAgeRaw        string `yaml:"max_age"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// RebootConfig holds reboot orchestration configuration
type RebootConfig struct {
	DefaultShutdownTimeout time.Duration `yaml:"-"`
	SweepInterval          time.Duration `yaml:"-"`

	DefaultShutdownTimeoutRaw string `yaml:"default_shutdown_timeout"`
	SweepIntervalRaw          string `yaml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
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

	cfg.applyDefaults()

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

// applyDefaults fills in zero-valued settings with their defaults.
func (c *Config) applyDefaults() {
	if c.Auth.OperatorTokenTTL == 0 {
		c.Auth.OperatorTokenTTL = 30 * 24 * time.Hour
	}
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = 30 * time.Second
	}
	if c.Agents.OfflineThreshold == 0 {
		c.Agents.OfflineThreshold = 2 * time.Minute
	}
	if c.Agents.WriteTimeout == 0 {
		c.Agents.WriteTimeout = 10 * time.Second
	}
	if c.Agents.MessageRate == 0 {
		c.Agents.MessageRate = 20
	}
	if c.Agents.MessageBurst == 0 {
		c.Agents.MessageBurst = 60
	}
	if c.Queue.Lease == 0 {
		c.Queue.Lease = 2 * time.Minute
	}
	if c.Queue.MaxAge == 0 {
		c.Queue.MaxAge = 24 * time.Hour
	}
	if c.Queue.SweepInterval == 0 {
		c.Queue.SweepInterval = 30 * time.Second
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.ClaimBatch == 0 {
		c.Queue.ClaimBatch = 50
	}
	if c.Reboot.DefaultShutdownTimeout == 0 {
		c.Reboot.DefaultShutdownTimeout = 5 * time.Minute
	}
	if c.Reboot.SweepInterval == 0 {
		c.Reboot.SweepInterval = 15 * time.Second
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Auth.OperatorTokenTTLRaw, &cfg.Auth.OperatorTokenTTL, "auth.operator_token_ttl"},
		{cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval, "agents.heartbeat_interval"},
		{cfg.Agents.OfflineThresholdRaw, &cfg.Agents.OfflineThreshold, "agents.offline_threshold"},
		{cfg.Agents.WriteTimeoutRaw, &cfg.Agents.WriteTimeout, "agents.write_timeout"},
		{cfg.Queue.LeaseRaw, &cfg.Queue.Lease, "queue.lease"},
		{cfg.Queue.MaxAgeRaw, &cfg.Queue.MaxAge, "queue.max_age"},
		{cfg.Queue.SweepIntervalRaw, &cfg.Queue.SweepInterval, "queue.sweep_interval"},
		{cfg.Reboot.DefaultShutdownTimeoutRaw, &cfg.Reboot.DefaultShutdownTimeout, "reboot.default_shutdown_timeout"},
		{cfg.Reboot.SweepIntervalRaw, &cfg.Reboot.SweepInterval, "reboot.sweep_interval"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
