// Package config provides configuration loading for the clawee sidecar.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for clawee.yaml/.yml in
// standard locations. The search requires an explicit YAML extension so the
// clawee binary itself in the working directory never matches.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("clawee")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: CLAWEE_SERVER_GATEWAY_ADDR
	viper.SetEnvPrefix("CLAWEE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a clawee config file with
// an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".clawee"),
		"/etc/clawee",
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for clawee.yaml or
// .yml and returns the first match.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "clawee"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar config keys for environment variable
// support. Example: CLAWEE_BUDGET_HOURLY_USD overrides budget.hourly_usd.
// Array fields (egress.allowed_hosts) belong in the config file.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.gateway_addr")
	_ = viper.BindEnv("server.control_addr")

	_ = viper.BindEnv("upstream.url")
	_ = viper.BindEnv("upstream.timeout")

	_ = viper.BindEnv("catalogs.policy")
	_ = viper.BindEnv("catalogs.capability")
	_ = viper.BindEnv("catalogs.model_registry")
	_ = viper.BindEnv("catalogs.approval_policy")
	_ = viper.BindEnv("catalogs.destination")
	_ = viper.BindEnv("catalogs.connector")
	_ = viper.BindEnv("catalogs.pricing")
	_ = viper.BindEnv("catalogs.control_tokens")

	_ = viper.BindEnv("keyring.path")
	_ = viper.BindEnv("keyring.static_key")
	_ = viper.BindEnv("keyring.allow_unsigned")

	_ = viper.BindEnv("budget.hourly_usd")
	_ = viper.BindEnv("budget.daily_usd")

	_ = viper.BindEnv("replay.backend")
	_ = viper.BindEnv("replay.nonce_ttl")
	_ = viper.BindEnv("replay.event_ttl")
	_ = viper.BindEnv("replay.redis_addr")
	_ = viper.BindEnv("replay.postgres_dsn")

	_ = viper.BindEnv("egress.policy")
	_ = viper.BindEnv("egress.cache_ttl")

	_ = viper.BindEnv("storage.sqlite_path")
	_ = viper.BindEnv("snapshots.dir")

	_ = viper.BindEnv("audit.channel_size")
	_ = viper.BindEnv("audit.batch_size")
	_ = viper.BindEnv("audit.flush_interval")
	_ = viper.BindEnv("audit.send_timeout")
	_ = viper.BindEnv("audit.warning_threshold")

	_ = viper.BindEnv("control.rate_per_minute")

	_ = viper.BindEnv("log.level")
	_ = viper.BindEnv("log.format")
	_ = viper.BindEnv("telemetry.tracing_enabled")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and validates. Callers that override DevMode from a CLI
// flag should use LoadConfigRaw and finish with SetDevDefaults + Validate
// themselves.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but
// does not apply dev defaults or validate.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or an
// empty string in env-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
