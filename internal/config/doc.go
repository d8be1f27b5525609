// Package config handles configuration loading for the meshboard binaries.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. The package provides validation and sensible defaults; all three
// binaries (web, relay, admin) read the same file so they agree on the
// database path and channel list.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${MESHBOARD_DB}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	relay:
//	  poll_interval: "30s"
//	  backoff_base: "30s"
//	  backoff_ceiling: "15m"
//
// # Configuration Sections
//
// Web ingress:
//
//	web:
//	  addr: ":8080"
//
// Database (shared by both processes):
//
//	database:
//	  path: "/var/lib/meshboard/meshboard.db"
//
// Channels — mesh channels are relayed to the radio, on-site channels never
// leave the hub:
//
//	channels:
//	  mesh: ["general", "trades"]
//	  on_site: ["#local"]
//
// Transport (radio companion daemon):
//
//	transport:
//	  addr: "127.0.0.1:4403"
//	  send_timeout: "15s"
//
// Limits, relay retry policy, retention, logging, metrics, and debug sections
// are documented in config.example.yaml at the repository root.
package config
