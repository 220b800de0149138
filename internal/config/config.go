package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/dohr-michael/taskstore/internal/scheduler"
)

// Backend names accepted in store.backend.
const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config is the root configuration for taskstore.
type Config struct {
	Store   StoreConfig   `json:"store" yaml:"store"`
	Gateway GatewayConfig `json:"gateway" yaml:"gateway"`
	Sweep   SweepConfig   `json:"sweep" yaml:"sweep"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// StoreConfig selects and configures the task store backend.
type StoreConfig struct {
	Backend    string `json:"backend" yaml:"backend"`         // "file", "memory", "sqlite"
	Dir        string `json:"dir" yaml:"dir"`                 // file backend root (default: $TASKSTORE_PATH/tasks)
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"` // sqlite backend db (default: $TASKSTORE_PATH/tasks.db)

	// PrettyJSON indents metadata.json and checkpoint.json. A pointer so an
	// explicit false survives applyDefaults.
	PrettyJSON *bool `json:"pretty_json,omitempty" yaml:"pretty_json,omitempty"`
}

// Pretty reports whether documents are indented. Defaults to true.
func (s StoreConfig) Pretty() bool {
	return s.PrettyJSON == nil || *s.PrettyJSON
}

// Location returns the directory or database file the backend persists to.
// Empty for the memory backend.
func (s StoreConfig) Location() string {
	switch strings.ToLower(s.Backend) {
	case BackendSQLite:
		return s.SQLitePath
	case BackendMemory:
		return ""
	default:
		return s.Dir
	}
}

// HeartbeatPath returns the gateway heartbeat file for this store. It sits
// beside the data so two stores never share one. Empty for the memory backend.
func (s StoreConfig) HeartbeatPath() string {
	switch strings.ToLower(s.Backend) {
	case BackendSQLite:
		return s.SQLitePath + ".heartbeat.json"
	case BackendMemory:
		return ""
	default:
		return filepath.Join(s.Dir, ".gateway.heartbeat.json")
	}
}

// GatewayConfig holds the inspection gateway settings.
type GatewayConfig struct {
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	ChangesDir string `json:"changes_dir" yaml:"changes_dir"` // change log root (default: $TASKSTORE_PATH/changes)
}

// Addr returns host:port.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// SweepConfig controls the periodic stale-task sweep run by the gateway.
type SweepConfig struct {
	Disabled   bool   `json:"disabled" yaml:"disabled"`
	Cron       string `json:"cron" yaml:"cron"`               // default: every 5 minutes
	StaleAfter string `json:"stale_after" yaml:"stale_after"` // Go duration, default 30m
}

// StaleAfterDuration parses StaleAfter. Validate guarantees it parses.
func (s SweepConfig) StaleAfterDuration() time.Duration {
	d, _ := time.ParseDuration(s.StaleAfter)
	return d
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `json:"level" yaml:"level"` // debug, info, warn, error
}

// SlogLevel parses Level. Unknown values fall back to info.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Validate checks values applyDefaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendFile, BackendMemory, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	if c.Store.Backend == BackendFile && strings.TrimSpace(c.Store.Dir) == "" {
		errs = append(errs, errors.New("store.dir: required for the file backend"))
	}
	if c.Store.Backend == BackendSQLite && strings.TrimSpace(c.Store.SQLitePath) == "" {
		errs = append(errs, errors.New("store.sqlite_path: required for the sqlite backend"))
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port: %d out of range", c.Gateway.Port))
	}
	if !c.Sweep.Disabled {
		if _, err := scheduler.ParseCron(c.Sweep.Cron); err != nil {
			errs = append(errs, fmt.Errorf("sweep.cron: %w", err))
		}
		if d, err := time.ParseDuration(c.Sweep.StaleAfter); err != nil {
			errs = append(errs, fmt.Errorf("sweep.stale_after: %w", err))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("sweep.stale_after: must be positive, got %s", d))
		}
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}
