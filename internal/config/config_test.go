// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshboard.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
hub:
  name: "Ridgeline Community Hub"
  location: "fire station"

web:
  addr: ":9090"

database:
  path: "./test.db"

channels:
  mesh: ["general", "trades"]
  on_site: ["#local"]

transport:
  addr: "127.0.0.1:4500"
  send_timeout: "5s"

limits:
  posts_per_hour: 6
  message_max_chars: 140

relay:
  poll_interval: "10s"
  backoff_base: "15s"
  backoff_ceiling: "5m"
  batch_size: 3
  max_attempts: 4

retention:
  interval: "30m"
  max_message_age: "168h"
  max_per_channel: 500

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Hub.Name != "Ridgeline Community Hub" {
		t.Errorf("Hub.Name = %q", cfg.Hub.Name)
	}
	if cfg.Web.Addr != ":9090" {
		t.Errorf("Web.Addr = %q", cfg.Web.Addr)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if len(cfg.Channels.Mesh) != 2 || cfg.Channels.Mesh[0] != "general" {
		t.Errorf("Channels.Mesh = %v", cfg.Channels.Mesh)
	}
	if cfg.Transport.SendTimeout != 5*time.Second {
		t.Errorf("Transport.SendTimeout = %v", cfg.Transport.SendTimeout)
	}
	if cfg.Limits.PostsPerHour != 6 {
		t.Errorf("Limits.PostsPerHour = %d", cfg.Limits.PostsPerHour)
	}
	if cfg.Relay.PollInterval != 10*time.Second {
		t.Errorf("Relay.PollInterval = %v", cfg.Relay.PollInterval)
	}
	if cfg.Relay.BackoffCeiling != 5*time.Minute {
		t.Errorf("Relay.BackoffCeiling = %v", cfg.Relay.BackoffCeiling)
	}
	if cfg.Retention.MaxMessageAge != 168*time.Hour {
		t.Errorf("Retention.MaxMessageAge = %v", cfg.Retention.MaxMessageAge)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "./test.db"
channels:
  mesh: ["general"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Limits.PostsPerHour != 10 {
		t.Errorf("default PostsPerHour = %d, want 10", cfg.Limits.PostsPerHour)
	}
	if cfg.Limits.MessageMaxChars != 200 {
		t.Errorf("default MessageMaxChars = %d, want 200", cfg.Limits.MessageMaxChars)
	}
	if cfg.Relay.PollInterval != 30*time.Second {
		t.Errorf("default PollInterval = %v, want 30s", cfg.Relay.PollInterval)
	}
	if cfg.Relay.BatchSize != 5 {
		t.Errorf("default BatchSize = %d, want 5", cfg.Relay.BatchSize)
	}
	if cfg.Retention.Interval != time.Hour {
		t.Errorf("default retention interval = %v, want 1h", cfg.Retention.Interval)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("MESHBOARD_TEST_DB", "/tmp/expanded.db")

	path := writeConfig(t, `
database:
  path: "${MESHBOARD_TEST_DB}"
channels:
  mesh: ["general"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/expanded.db" {
		t.Errorf("Database.Path = %q, want expanded env value", cfg.Database.Path)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "./test.db"
channels:
  mesh: ["general"]
relay:
  poll_interval: "not-a-duration"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "poll_interval") {
		t.Errorf("Load() error = %v, want poll_interval parse error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"no channels", func(c *Config) { c.Channels.Mesh = nil; c.Channels.OnSite = nil }, "channel"},
		{
			"duplicate channel",
			func(c *Config) { c.Channels.Mesh = []string{"general"}; c.Channels.OnSite = []string{"general"} },
			"unique",
		},
		{"zero rate limit", func(c *Config) { c.Limits.PostsPerHour = 0 }, "posts_per_hour"},
		{"bad name pattern", func(c *Config) { c.Limits.NamePattern = "[" }, "name_pattern"},
		{"zero max attempts", func(c *Config) { c.Relay.MaxAttempts = 0 }, "max_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Channels.Mesh = []string{"general"}
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestChannelScope(t *testing.T) {
	cfg := Default()
	cfg.Channels.Mesh = []string{"general"}
	cfg.Channels.OnSite = []string{"#local"}

	if scope, ok := cfg.ChannelScope("general"); !ok || scope != "mesh" {
		t.Errorf("ChannelScope(general) = %q, %v", scope, ok)
	}
	if scope, ok := cfg.ChannelScope("#local"); !ok || scope != "on-site" {
		t.Errorf("ChannelScope(#local) = %q, %v", scope, ok)
	}
	if _, ok := cfg.ChannelScope("#nope"); ok {
		t.Error("ChannelScope(#nope) reported a scope for an unconfigured channel")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Error("Load() of missing file succeeded")
	}
}
