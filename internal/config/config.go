// Package config provides the configuration schema for the clawee sidecar.
//
// Configuration is file-based (YAML) with CLAWEE_-prefixed environment
// overrides. Catalog rules themselves never live here: they come from the
// signed catalog files this config points at.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the sidecar.
type Config struct {
	// Server configures the gateway and control listeners.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Upstream configures the default forward target for allowed requests.
	// Channels with a connector catalog entry use that endpoint instead.
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`

	// Catalogs points at the eight signed catalog files.
	Catalogs CatalogConfig `yaml:"catalogs" mapstructure:"catalogs"`

	// Keyring configures catalog and attestation signing keys.
	Keyring KeyringConfig `yaml:"keyring" mapstructure:"keyring"`

	// Budget configures the spending caps in USD. A zero cap disables that
	// window.
	Budget BudgetConfig `yaml:"budget" mapstructure:"budget"`

	// Replay configures the replay-protection store.
	Replay ReplayConfig `yaml:"replay" mapstructure:"replay"`

	// Egress configures the outbound target gate.
	Egress EgressConfig `yaml:"egress" mapstructure:"egress"`

	// Storage configures the sqlite database backing approvals, budget,
	// and audit.
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// Snapshots configures where attestation snapshots and chain logs are
	// written.
	Snapshots SnapshotConfig `yaml:"snapshots" mapstructure:"snapshots"`

	// Audit configures the async audit recorder.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Control configures the operator surface.
	Control ControlConfig `yaml:"control" mapstructure:"control"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" mapstructure:"log"`

	// Telemetry configures tracing.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables development defaults (unsigned catalogs, text logs).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the two HTTP listeners. TLS is out of scope;
// terminate it in front of the sidecar.
type ServerConfig struct {
	// GatewayAddr is the agent-facing listener (e.g. "127.0.0.1:8080").
	GatewayAddr string `yaml:"gateway_addr" mapstructure:"gateway_addr" validate:"omitempty,hostname_port"`

	// ControlAddr is the operator listener (e.g. "127.0.0.1:9090").
	ControlAddr string `yaml:"control_addr" mapstructure:"control_addr" validate:"omitempty,hostname_port"`
}

// UpstreamConfig configures the default upstream.
type UpstreamConfig struct {
	// URL is the base URL requests are forwarded to when no connector
	// matches the channel. Empty disables base-URL forwarding.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// Timeout bounds one upstream call (e.g. "30s").
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
}

// CatalogConfig holds the paths of the signed catalog files. All eight are
// required; the sidecar refuses to boot on a missing or unverifiable
// catalog.
type CatalogConfig struct {
	Policy         string `yaml:"policy" mapstructure:"policy" validate:"required"`
	Capability     string `yaml:"capability" mapstructure:"capability" validate:"required"`
	ModelRegistry  string `yaml:"model_registry" mapstructure:"model_registry" validate:"required"`
	ApprovalPolicy string `yaml:"approval_policy" mapstructure:"approval_policy" validate:"required"`
	Destination    string `yaml:"destination" mapstructure:"destination" validate:"required"`
	Connector      string `yaml:"connector" mapstructure:"connector" validate:"required"`
	Pricing        string `yaml:"pricing" mapstructure:"pricing" validate:"required"`
	ControlTokens  string `yaml:"control_tokens" mapstructure:"control_tokens" validate:"required"`
}

// KeyringConfig configures signing. Exactly one signing source should be
// set; allow_unsigned is for development only.
type KeyringConfig struct {
	// Path is the keyring file (JSON or YAML by extension).
	Path string `yaml:"path" mapstructure:"path"`

	// StaticKey is the legacy single signing key.
	StaticKey string `yaml:"static_key" mapstructure:"static_key"`

	// AllowUnsigned accepts catalogs without signatures.
	AllowUnsigned bool `yaml:"allow_unsigned" mapstructure:"allow_unsigned"`
}

// BudgetConfig configures the spending caps.
type BudgetConfig struct {
	HourlyUSD float64 `yaml:"hourly_usd" mapstructure:"hourly_usd" validate:"omitempty,min=0"`
	DailyUSD  float64 `yaml:"daily_usd" mapstructure:"daily_usd" validate:"omitempty,min=0"`
}

// ReplayConfig configures replay protection.
type ReplayConfig struct {
	// Backend selects the replay store.
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=sqlite redis postgres"`

	// NonceTTL and EventTTL bound how long identifiers stay registered.
	NonceTTL string `yaml:"nonce_ttl" mapstructure:"nonce_ttl" validate:"omitempty,duration"`
	EventTTL string `yaml:"event_ttl" mapstructure:"event_ttl" validate:"omitempty,duration"`

	// RedisAddr is required for the redis backend.
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr" validate:"omitempty,hostname_port"`

	// PostgresDSN is required for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
}

// EgressConfig configures the outbound target gate.
type EgressConfig struct {
	// Policy is "allow" (no egress checks) or "restricted" (allowlist plus
	// loopback and private ranges).
	Policy string `yaml:"policy" mapstructure:"policy" validate:"omitempty,oneof=allow restricted"`

	// AllowedHosts lists hostnames permitted under the restricted policy.
	AllowedHosts []string `yaml:"allowed_hosts" mapstructure:"allowed_hosts"`

	// CacheTTL bounds the DNS resolution cache (e.g. "5m").
	CacheTTL string `yaml:"cache_ttl" mapstructure:"cache_ttl" validate:"omitempty,duration"`
}

// StorageConfig configures the sqlite database.
type StorageConfig struct {
	// SQLitePath is the database file, or ":memory:" for ephemeral state.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// SnapshotConfig configures attestation output.
type SnapshotConfig struct {
	// Dir is the directory holding snapshot files and chain logs.
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// AuditConfig configures the async audit recorder.
type AuditConfig struct {
	// ChannelSize is the buffer size for the audit channel.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records batched per write.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often pending records flush (e.g. "1s").
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout is how long a producer blocks on a full channel before
	// dropping ("0" drops immediately).
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`

	// WarningThreshold is the channel-depth percentage that triggers a
	// rate-limited warning. 0 disables.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`
}

// ControlConfig configures the operator surface.
type ControlConfig struct {
	// RatePerMinute is the per-token request budget.
	RatePerMinute int `yaml:"rate_per_minute" mapstructure:"rate_per_minute" validate:"omitempty,min=1"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is the minimum log level.
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// Format is "json" or "text".
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=json text"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	// TracingEnabled turns on the stdout span exporter.
	TracingEnabled bool `yaml:"tracing_enabled" mapstructure:"tracing_enabled"`
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Listeners bind to localhost only; exposing them is an explicit choice.
	if c.Server.GatewayAddr == "" {
		c.Server.GatewayAddr = "127.0.0.1:8080"
	}
	if c.Server.ControlAddr == "" {
		c.Server.ControlAddr = "127.0.0.1:9090"
	}
	if c.Upstream.Timeout == "" {
		c.Upstream.Timeout = "30s"
	}

	if c.Replay.Backend == "" {
		c.Replay.Backend = "sqlite"
	}
	if c.Replay.NonceTTL == "" {
		c.Replay.NonceTTL = "10m"
	}
	if c.Replay.EventTTL == "" {
		c.Replay.EventTTL = "24h"
	}

	if c.Egress.Policy == "" {
		c.Egress.Policy = "restricted"
	}
	if c.Egress.CacheTTL == "" {
		c.Egress.CacheTTL = "5m"
	}

	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "clawee.db"
	}
	if c.Snapshots.Dir == "" {
		c.Snapshots.Dir = "attest"
	}

	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}

	if c.Control.RatePerMinute == 0 {
		c.Control.RatePerMinute = 60
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// SetDevDefaults applies permissive defaults for development mode. Applied
// before validation so a dev run needs only the catalog paths.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	// Unsigned catalogs are acceptable in dev when no key is configured.
	if c.Keyring.Path == "" && c.Keyring.StaticKey == "" {
		c.Keyring.AllowUnsigned = true
	}
	if !viper.IsSet("egress.policy") {
		c.Egress.Policy = "allow"
	}
	if !viper.IsSet("log.format") {
		c.Log.Format = "text"
	}
	if !viper.IsSet("log.level") {
		c.Log.Level = "debug"
	}
	if !viper.IsSet("storage.sqlite_path") {
		c.Storage.SQLitePath = ":memory:"
	}
}

// Duration parses a duration string, falling back when empty or invalid.
// Validation already rejected malformed values on the load path.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
