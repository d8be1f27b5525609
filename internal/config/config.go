// ABOUTME: Configuration loading and parsing for meshboard services
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete meshboard configuration, shared by the web,
// relay, and admin binaries.
type Config struct {
	Hub       HubConfig       `yaml:"hub"`
	Web       WebConfig       `yaml:"web"`
	Database  DatabaseConfig  `yaml:"database"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Transport TransportConfig `yaml:"transport"`
	Limits    LimitsConfig    `yaml:"limits"`
	Relay     RelayConfig     `yaml:"relay"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Debug     DebugConfig     `yaml:"debug"`
}

// HubConfig identifies the physical hub this instance runs at.
type HubConfig struct {
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
}

// WebConfig holds the ingress HTTP server configuration.
type WebConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig holds the shared SQLite file location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ChannelsConfig lists the configured channels. Mesh channels are relayed to
// the radio; on-site channels never leave the hub. Both sets are fixed at
// startup.
type ChannelsConfig struct {
	Mesh   []string `yaml:"mesh"`
	OnSite []string `yaml:"on_site"`
}

// TransportConfig holds the companion radio daemon connection settings.
type TransportConfig struct {
	Addr string `yaml:"addr"`

	SendTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	SendTimeoutRaw string `yaml:"send_timeout"`
}

// LimitsConfig holds admission-control limits for WiFi clients.
type LimitsConfig struct {
	PostsPerHour    int    `yaml:"posts_per_hour"`
	MessageMaxChars int    `yaml:"message_max_chars"`
	NameMaxChars    int    `yaml:"name_max_chars"`
	NamePattern     string `yaml:"name_pattern"`
	// PerMACBudget also counts posts from other sessions bound to the same
	// link-layer address, to resist cookie cycling.
	PerMACBudget bool `yaml:"per_mac_budget"`
}

// RelayConfig holds the egress relay loop and retry policy.
type RelayConfig struct {
	PollInterval   time.Duration `yaml:"-"`
	BackoffBase    time.Duration `yaml:"-"`
	BackoffCeiling time.Duration `yaml:"-"`
	SentGrace      time.Duration `yaml:"-"`
	BatchSize      int           `yaml:"batch_size"`
	MaxAttempts    int           `yaml:"max_attempts"`

	// Raw string values for YAML unmarshaling
	PollIntervalRaw   string `yaml:"poll_interval"`
	BackoffBaseRaw    string `yaml:"backoff_base"`
	BackoffCeilingRaw string `yaml:"backoff_ceiling"`
	SentGraceRaw      string `yaml:"sent_grace"`
}

// RetentionConfig bounds what the store keeps.
type RetentionConfig struct {
	Interval      time.Duration `yaml:"-"`
	MaxMessageAge time.Duration `yaml:"-"`
	SessionMaxAge time.Duration `yaml:"-"`
	MaxPerChannel int           `yaml:"max_per_channel"`

	// Raw string values for YAML unmarshaling
	IntervalRaw      string `yaml:"interval"`
	MaxMessageAgeRaw string `yaml:"max_message_age"`
	SessionMaxAgeRaw string `yaml:"session_max_age"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level             string `yaml:"level"`
	Format            string `yaml:"format"`
	EnableSecurityLog bool   `yaml:"enable_security_log"`
}

// MetricsConfig holds the prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DebugConfig holds development-only escape hatches.
type DebugConfig struct {
	// AllowLoopback exempts loopback clients from MAC binding so the stack
	// can be exercised without a real WiFi client.
	AllowLoopback bool `yaml:"allow_loopback"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with all defaults applied. Loaded files override
// individual fields.
func Default() *Config {
	return &Config{
		Hub: HubConfig{Name: "Civic Mesh Hub"},
		Web: WebConfig{Addr: ":8080"},
		Database: DatabaseConfig{
			Path: "meshboard.db",
		},
		Channels: ChannelsConfig{
			OnSite: []string{"#local"},
		},
		Transport: TransportConfig{
			Addr:        "127.0.0.1:4403",
			SendTimeout: 15 * time.Second,
		},
		Limits: LimitsConfig{
			PostsPerHour:    10,
			MessageMaxChars: 200,
			NameMaxChars:    10,
			NamePattern:     `^[A-Za-z0-9_\- ]*$`,
			PerMACBudget:    true,
		},
		Relay: RelayConfig{
			PollInterval:   30 * time.Second,
			BackoffBase:    30 * time.Second,
			BackoffCeiling: 15 * time.Minute,
			SentGrace:      10 * time.Minute,
			BatchSize:      5,
			MaxAttempts:    5,
		},
		Retention: RetentionConfig{
			Interval:      time.Hour,
			MaxMessageAge: 14 * 24 * time.Hour,
			SessionMaxAge: 30 * 24 * time.Hour,
			MaxPerChannel: 2000,
		},
		Logging: LoggingConfig{
			Level:             "info",
			Format:            "text",
			EnableSecurityLog: true,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment
// variable values. Unset variables expand to an empty string.
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
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Web.Addr == "" {
		return fmt.Errorf("web.addr is required")
	}
	if len(c.Channels.Mesh) == 0 && len(c.Channels.OnSite) == 0 {
		return fmt.Errorf("at least one channel must be configured")
	}
	seen := make(map[string]bool)
	for _, name := range c.ChannelNames() {
		if name == "" {
			return fmt.Errorf("channel names must be non-empty")
		}
		seen[name] = true
	}
	if len(seen) != len(c.Channels.Mesh)+len(c.Channels.OnSite) {
		return fmt.Errorf("channel names must be unique across mesh and on_site")
	}
	if c.Limits.PostsPerHour < 1 {
		return fmt.Errorf("limits.posts_per_hour must be at least 1")
	}
	if c.Limits.MessageMaxChars < 1 {
		return fmt.Errorf("limits.message_max_chars must be at least 1")
	}
	if _, err := regexp.Compile(c.Limits.NamePattern); err != nil {
		return fmt.Errorf("limits.name_pattern: %w", err)
	}
	if c.Relay.MaxAttempts < 1 {
		return fmt.Errorf("relay.max_attempts must be at least 1")
	}
	if c.Relay.BatchSize < 1 {
		return fmt.Errorf("relay.batch_size must be at least 1")
	}
	return nil
}

// ChannelScope returns "mesh" or "on-site" for a configured channel name.
// The second return is false if the channel is not configured.
func (c *Config) ChannelScope(name string) (string, bool) {
	for _, n := range c.Channels.OnSite {
		if n == name {
			return "on-site", true
		}
	}
	for _, n := range c.Channels.Mesh {
		if n == name {
			return "mesh", true
		}
	}
	return "", false
}

// ChannelNames returns all configured channel names, on-site first.
func (c *Config) ChannelNames() []string {
	names := make([]string, 0, len(c.Channels.OnSite)+len(c.Channels.Mesh))
	names = append(names, c.Channels.OnSite...)
	names = append(names, c.Channels.Mesh...)
	return names
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Transport.SendTimeoutRaw, &cfg.Transport.SendTimeout, "transport.send_timeout"},
		{cfg.Relay.PollIntervalRaw, &cfg.Relay.PollInterval, "relay.poll_interval"},
		{cfg.Relay.BackoffBaseRaw, &cfg.Relay.BackoffBase, "relay.backoff_base"},
		{cfg.Relay.BackoffCeilingRaw, &cfg.Relay.BackoffCeiling, "relay.backoff_ceiling"},
		{cfg.Relay.SentGraceRaw, &cfg.Relay.SentGrace, "relay.sent_grace"},
		{cfg.Retention.IntervalRaw, &cfg.Retention.Interval, "retention.interval"},
		{cfg.Retention.MaxMessageAgeRaw, &cfg.Retention.MaxMessageAge, "retention.max_message_age"},
		{cfg.Retention.SessionMaxAgeRaw, &cfg.Retention.SessionMaxAge, "retention.session_max_age"},
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
