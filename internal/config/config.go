// Package config loads runtime configuration from environment variables and
// an optional YAML file. Environment variables win over the file, which wins
// over defaults, so a deployment can pin a config file and still override a
// single knob per invocation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ScopeConfig is one chat (optionally one topic within it) to mirror.
type ScopeConfig struct {
	Chat    string `yaml:"chat" mapstructure:"chat"`
	TopicID *int64 `yaml:"topic_id" mapstructure:"topic_id"`
}

// Config is the full runtime configuration.
type Config struct {
	// DBPath is the mirror database file.
	DBPath string `mapstructure:"output_db"`
	// AggregateDBPath is the derived dedup database.
	AggregateDBPath string `mapstructure:"aggregate_db"`
	// BackupDir receives timestamped backups.
	BackupDir string `mapstructure:"backup_dir"`
	// LogDir receives rotated log files; empty disables file logging.
	LogDir string `mapstructure:"log_dir"`

	// DaysBack is the retention window for sync runs.
	DaysBack int `mapstructure:"days_back"`
	// EditLookbackDays is the trailing window re-scanned for edits and
	// deletions; capped at DaysBack.
	EditLookbackDays int `mapstructure:"edit_lookback_days"`
	// FlushEvery is the sync batch size.
	FlushEvery int `mapstructure:"flush_every"`

	// DedupeKey is the dedup mode name (text, text+sender, text+sender+day).
	DedupeKey string `mapstructure:"dedupe_key"`

	// DashboardAddr is the listen address for the dashboard server.
	DashboardAddr string `mapstructure:"dashboard_addr"`

	// Scopes lists the chats to reconcile. Loaded from the config file or a
	// separate scopes file; the CLI can override with positional args.
	Scopes []ScopeConfig `mapstructure:"scopes"`
}

// Retention converts DaysBack to a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.DaysBack) * 24 * time.Hour
}

// Lookback converts EditLookbackDays to a duration.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.EditLookbackDays) * 24 * time.Hour
}

// Load reads configuration. file may be empty, in which case only defaults
// and environment variables apply. Environment variables use the upper-case
// key names directly (OUTPUT_DB, DAYS_BACK, ...).
func Load(file string) (*Config, error) {
	v := viper.New()

	v.SetDefault("output_db", "telegram_messages.db")
	v.SetDefault("aggregate_db", "aggregate_posts.db")
	v.SetDefault("backup_dir", "backups")
	v.SetDefault("log_dir", "logs")
	v.SetDefault("days_back", 30)
	v.SetDefault("edit_lookback_days", 7)
	v.SetDefault("flush_every", 300)
	v.SetDefault("dedupe_key", "text")
	v.SetDefault("dashboard_addr", "127.0.0.1:8787")

	v.AutomaticEnv()
	for _, key := range []string{
		"output_db", "aggregate_db", "backup_dir", "log_dir",
		"days_back", "edit_lookback_days", "flush_every",
		"dedupe_key", "dashboard_addr",
	} {
		// Bind explicitly so AutomaticEnv sees keys that never appear in a
		// config file.
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DaysBack <= 0 {
		return fmt.Errorf("days_back must be positive, got %d", c.DaysBack)
	}
	if c.EditLookbackDays < 0 {
		return fmt.Errorf("edit_lookback_days must not be negative, got %d", c.EditLookbackDays)
	}
	if c.EditLookbackDays > c.DaysBack {
		c.EditLookbackDays = c.DaysBack
	}
	if c.FlushEvery <= 0 {
		return fmt.Errorf("flush_every must be positive, got %d", c.FlushEvery)
	}
	return nil
}

// scopesFile is the on-disk shape of a standalone scopes list.
type scopesFile struct {
	Scopes []ScopeConfig `yaml:"scopes"`
}

// LoadScopes reads a YAML scopes file:
//
//	scopes:
//	  - chat: somechannel
//	  - chat: https://t.me/somegroup/123
//	    topic_id: 123
func LoadScopes(path string) ([]ScopeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scopes file: %w", err)
	}
	var f scopesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse scopes file %s: %w", path, err)
	}
	if len(f.Scopes) == 0 {
		return nil, fmt.Errorf("scopes file %s lists no scopes", path)
	}
	for i, s := range f.Scopes {
		if s.Chat == "" {
			return nil, fmt.Errorf("scopes file %s: entry %d has no chat", path, i+1)
		}
	}
	return f.Scopes, nil
}
