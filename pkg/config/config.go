// Package config loads and validates the engine configuration
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration
type Config struct {
	// Where backup content and the snapshot trees live
	BackupDir string `yaml:"backup_dir"`
	// SQLite database holding the manifest, ledger, history and watchdogs
	DatabasePath string `yaml:"database_path"`
	// Log file directory; empty means stderr only
	LogDir   string `yaml:"log_dir"`
	LogLevel string `yaml:"log_level"`

	// Retention window for backups and snapshots
	RetentionDays int `yaml:"retention_days"`

	// Watchdog deadline offset used when apply does not override it
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout"`
	// Pause between reload and the liveness probe
	SettleDelay time.Duration `yaml:"settle_delay"`
	// Spawn a detached helper per armed watchdog so the deadline survives
	// foreground death
	DetachedWatchdog bool `yaml:"detached_watchdog"`

	// Critical artifacts captured by `snapshots create`
	SnapshotPaths []string `yaml:"snapshot_paths"`

	// Listen address for the read-only API
	ServeAddr string `yaml:"serve_addr"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		BackupDir:        "/var/lib/hardctl/backups",
		DatabasePath:     "/var/lib/hardctl/hardctl.db",
		LogLevel:         "info",
		RetentionDays:    30,
		WatchdogTimeout:  90 * time.Second,
		SettleDelay:      2 * time.Second,
		DetachedWatchdog: true,
		SnapshotPaths: []string{
			"/etc/ssh/sshd_config",
			"/etc/sysctl.conf",
			"/etc/hosts",
		},
		ServeAddr: "127.0.0.1:8787",
	}
}

// Load reads path over the defaults. A missing file is not an error: the
// defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with
func (c Config) Validate() error {
	if c.BackupDir == "" {
		return fmt.Errorf("backup_dir must not be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be at least 1, got %d", c.RetentionDays)
	}
	if c.WatchdogTimeout < 5*time.Second {
		return fmt.Errorf("watchdog_timeout must be at least 5s, got %s", c.WatchdogTimeout)
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle_delay must not be negative")
	}
	return nil
}
