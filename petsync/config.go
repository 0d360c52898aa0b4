// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the tunables for the offline sync core.
type Config struct {
	// DatabasePath is the SQLite file backing the local cache and queue.
	DatabasePath string `mapstructure:"database_path"`
	// BaseURL of the remote sync backend.
	BaseURL string `mapstructure:"base_url"`
	// UserID is the signed-in user (JWT sub claim).
	UserID string `mapstructure:"user_id"`
	// DeviceID identifies this device (JWT did claim). Generated and
	// persisted on first init when empty.
	DeviceID string `mapstructure:"device_id"`
	// AuthSecret signs the HS256 sync tokens.
	AuthSecret string `mapstructure:"auth_secret"`
	// TokenTTL bounds the lifetime of minted sync tokens.
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// RequestTimeout bounds every backend request; an in-flight push must
	// never hang indefinitely.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// ProbeInterval is the network monitor's polling interval.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	// SyncSchedule is a cron spec for periodic drains ("" disables).
	SyncSchedule string `mapstructure:"sync_schedule"`
	// RetryCeiling is the bounded attempt budget before an entry moves to
	// the dead-letter set.
	RetryCeiling int `mapstructure:"retry_ceiling"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:   "tailtracker.db",
		TokenTTL:       1 * time.Hour,
		RequestTimeout: 30 * time.Second,
		ProbeInterval:  15 * time.Second,
		SyncSchedule:   "@every 30s",
		RetryCeiling:   5,
	}
}

// LoadConfig reads configuration from an optional file (YAML/TOML/JSON,
// decided by extension) with PETSYNC_-prefixed environment variables
// taking precedence.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("database_path", defaults.DatabasePath)
	v.SetDefault("token_ttl", defaults.TokenTTL)
	v.SetDefault("request_timeout", defaults.RequestTimeout)
	v.SetDefault("probe_interval", defaults.ProbeInterval)
	v.SetDefault("sync_schedule", defaults.SyncSchedule)
	v.SetDefault("retry_ceiling", defaults.RetryCeiling)

	v.SetEnvPrefix("PETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
