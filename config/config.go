// Package config loads Printernizer configuration from TOML with
// platform-appropriate search paths and applies defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigError indicates an invalid or unreadable configuration. It is fatal
// at startup and never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// PrinterConfig describes one printer endpoint from the config file.
type PrinterConfig struct {
	ID         string `toml:"id"`
	Name       string `toml:"name"`
	Type       string `toml:"type"` // bambu_lab, prusa, octoprint
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	APIKey     string `toml:"api_key"`
	AccessCode string `toml:"access_code"`
	Serial     string `toml:"serial"`
	UseTLS     bool   `toml:"use_tls"`
	IsActive   bool   `toml:"is_active"`
}

// Config holds all recognized options. Field names mirror the option keys in
// the config file; durations are expressed in seconds there.
type Config struct {
	LogLevel string `toml:"log_level"`
	LogDir   string `toml:"log_dir"`
	Database string `toml:"database"`

	PrinterPollingIntervalS int     `toml:"printer_polling_interval"`
	MonitorBackoffFactor    float64 `toml:"monitor_backoff_factor"`
	MonitorMaxIntervalS     int     `toml:"monitor_max_interval"`
	ConnectionTimeoutS      int     `toml:"connection_timeout"`
	MaxConcurrentDownloads  int     `toml:"max_concurrent_downloads"`

	MQTTRetryCount         int `toml:"mqtt_retry_count"`
	MQTTRetryDelayS        int `toml:"mqtt_retry_delay"`
	MQTTRetryMaxDelayS     int `toml:"mqtt_retry_max_delay"`
	MQTTAutoReconnectDelayS int `toml:"mqtt_auto_reconnect_delay"`
	MQTTReconnectCooldownS  int `toml:"mqtt_reconnect_cooldown"`

	JobCreationAutoCreate bool `toml:"job_creation_auto_create"`

	LibraryPath              string `toml:"library_path"`
	LibraryChecksumAlgorithm string `toml:"library_checksum_algorithm"`
	LibraryAutoDeduplicate   bool   `toml:"library_auto_deduplicate"`
	LibraryPreserveOriginals bool   `toml:"library_preserve_originals"`

	WatchFolders       []string `toml:"watch_folders"`
	WatchFoldersEnable bool     `toml:"watch_folders_enabled"`

	NotificationHistoryRetentionDays int `toml:"notification_history_retention_days"`

	HealthAddr string `toml:"health_addr"`

	Printers []PrinterConfig `toml:"printers"`
}

// Defaults returns a Config populated with the documented default values.
func Defaults() Config {
	return Config{
		LogLevel:                         "info",
		Database:                         "printernizer.db",
		PrinterPollingIntervalS:          30,
		MonitorBackoffFactor:             2,
		MonitorMaxIntervalS:              600,
		ConnectionTimeoutS:               30,
		MaxConcurrentDownloads:           5,
		MQTTRetryCount:                   5,
		MQTTRetryDelayS:                  1,
		MQTTRetryMaxDelayS:               60,
		MQTTAutoReconnectDelayS:          5,
		MQTTReconnectCooldownS:           10,
		JobCreationAutoCreate:            true,
		LibraryChecksumAlgorithm:         "sha256",
		LibraryAutoDeduplicate:           true,
		LibraryPreserveOriginals:         true,
		NotificationHistoryRetentionDays: 30,
		HealthAddr:                       "127.0.0.1:8573",
	}
}

// SearchPaths returns an ordered list of locations to look for the config file.
func SearchPaths(filename string) []string {
	var paths []string
	switch runtime.GOOS {
	case "windows":
		paths = append(paths, filepath.Join(os.Getenv("ProgramData"), "Printernizer", filename))
	case "darwin":
		paths = append(paths, filepath.Join("/Library/Application Support", "Printernizer", filename))
	default:
		paths = append(paths, filepath.Join("/etc/printernizer", filename))
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "windows":
			paths = append(paths, filepath.Join(homeDir, "AppData", "Local", "Printernizer", filename))
		case "darwin":
			paths = append(paths, filepath.Join(homeDir, "Library", "Application Support", "Printernizer", filename))
		default:
			paths = append(paths, filepath.Join(homeDir, ".config", "printernizer", filename))
		}
	}
	if exePath, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exePath), filename))
	}
	paths = append(paths, filepath.Join(".", filename))
	return paths
}

// Load reads the config from the given path, or from the first file found in
// SearchPaths when path is empty. A missing file yields defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, &ConfigError{Reason: fmt.Sprintf("read %s: %v", path, err)}
		}
		data = b
	} else {
		for _, p := range SearchPaths("printernizer.toml") {
			if b, err := os.ReadFile(p); err == nil {
				data = b
				break
			}
		}
		if data == nil {
			return cfg, nil
		}
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Reason: fmt.Sprintf("parse: %v", err)}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and clamps soft minimums.
func (c *Config) Validate() error {
	if c.PrinterPollingIntervalS < 5 {
		c.PrinterPollingIntervalS = 5
	}
	if c.MonitorBackoffFactor < 1 {
		return &ConfigError{Field: "monitor_backoff_factor", Reason: "must be >= 1"}
	}
	if c.MonitorMaxIntervalS < c.PrinterPollingIntervalS {
		return &ConfigError{Field: "monitor_max_interval", Reason: "must be >= printer_polling_interval"}
	}
	if c.LibraryChecksumAlgorithm != "" && c.LibraryChecksumAlgorithm != "sha256" {
		return &ConfigError{Field: "library_checksum_algorithm", Reason: "only sha256 is supported"}
	}
	if c.LibraryPath != "" && !filepath.IsAbs(c.LibraryPath) {
		return &ConfigError{Field: "library_path", Reason: "must be an absolute path"}
	}
	seen := make(map[string]bool, len(c.Printers))
	for i := range c.Printers {
		p := &c.Printers[i]
		if p.ID == "" {
			return &ConfigError{Field: fmt.Sprintf("printers[%d].id", i), Reason: "required"}
		}
		if seen[p.ID] {
			return &ConfigError{Field: fmt.Sprintf("printers[%d].id", i), Reason: "duplicate printer id " + p.ID}
		}
		seen[p.ID] = true
		switch p.Type {
		case "bambu_lab":
			if p.AccessCode == "" || p.Serial == "" {
				return &ConfigError{Field: fmt.Sprintf("printers[%d]", i), Reason: "bambu_lab requires access_code and serial"}
			}
		case "prusa", "octoprint":
			if p.APIKey == "" {
				return &ConfigError{Field: fmt.Sprintf("printers[%d]", i), Reason: p.Type + " requires api_key"}
			}
		default:
			return &ConfigError{Field: fmt.Sprintf("printers[%d].type", i), Reason: "unknown printer type " + p.Type}
		}
		if p.Host == "" {
			return &ConfigError{Field: fmt.Sprintf("printers[%d].host", i), Reason: "required"}
		}
	}
	return nil
}

// PollingInterval returns the monitor base interval as a duration.
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PrinterPollingIntervalS) * time.Second
}

// MonitorMaxInterval returns the backoff cap as a duration.
func (c *Config) MonitorMaxInterval() time.Duration {
	return time.Duration(c.MonitorMaxIntervalS) * time.Second
}

// ConnectionTimeout returns the per-operation driver deadline.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutS) * time.Second
}
