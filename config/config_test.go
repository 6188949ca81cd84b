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
	path := filepath.Join(t.TempDir(), "printernizer.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingPathFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("explicit missing path did not error")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ``))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "info" || cfg.PrinterPollingIntervalS != 30 {
		t.Errorf("defaults: %+v", cfg)
	}
	if !cfg.JobCreationAutoCreate || !cfg.LibraryPreserveOriginals {
		t.Error("boolean defaults lost")
	}
	if cfg.HealthAddr != "127.0.0.1:8573" {
		t.Errorf("health addr = %q", cfg.HealthAddr)
	}
}

func TestLoadOverridesAndPrinters(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
log_level = "debug"
printer_polling_interval = 15
watch_folders = ["/models/incoming"]
watch_folders_enabled = true

[[printers]]
id = "bambu-01"
name = "Shop A1"
type = "bambu_lab"
host = "192.168.1.50"
access_code = "12345678"
serial = "01S00C123456789"
is_active = true

[[printers]]
id = "octo-01"
name = "Shop Octo"
type = "octoprint"
host = "192.168.1.51"
api_key = "ABCDEF"
is_active = true
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if cfg.PollingInterval() != 15*time.Second {
		t.Errorf("polling interval = %v", cfg.PollingInterval())
	}
	if len(cfg.Printers) != 2 {
		t.Fatalf("printers = %d, want 2", len(cfg.Printers))
	}
	if cfg.Printers[0].Serial != "01S00C123456789" || cfg.Printers[1].APIKey != "ABCDEF" {
		t.Errorf("printer credentials: %+v", cfg.Printers)
	}
	if len(cfg.WatchFolders) != 1 || !cfg.WatchFoldersEnable {
		t.Errorf("watch folders: %v enabled=%v", cfg.WatchFolders, cfg.WatchFoldersEnable)
	}
}

func TestValidateClampsPollingFloor(t *testing.T) {
	cfg, err := Load(writeConfig(t, `printer_polling_interval = 1`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PrinterPollingIntervalS != 5 {
		t.Errorf("polling interval = %d, want clamped to 5", cfg.PrinterPollingIntervalS)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		content string
		field   string
	}{
		{
			"backoff factor below one",
			`monitor_backoff_factor = 0.5`,
			"monitor_backoff_factor",
		},
		{
			"max interval below base",
			`printer_polling_interval = 60
monitor_max_interval = 30`,
			"monitor_max_interval",
		},
		{
			"unsupported checksum",
			`library_checksum_algorithm = "md5"`,
			"library_checksum_algorithm",
		},
		{
			"relative library path",
			`library_path = "relative/library"`,
			"library_path",
		},
		{
			"bambu without credentials",
			`[[printers]]
id = "bambu-01"
type = "bambu_lab"
host = "192.168.1.50"`,
			"printers[0]",
		},
		{
			"octoprint without api key",
			`[[printers]]
id = "octo-01"
type = "octoprint"
host = "192.168.1.51"`,
			"printers[0]",
		},
		{
			"unknown printer type",
			`[[printers]]
id = "p1"
type = "ultimaker"
host = "192.168.1.52"`,
			"printers[0].type",
		},
		{
			"duplicate printer id",
			`[[printers]]
id = "p1"
type = "octoprint"
host = "h1"
api_key = "k"

[[printers]]
id = "p1"
type = "octoprint"
host = "h2"
api_key = "k"`,
			"printers[1].id",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			cerr, ok := err.(*ConfigError)
			if !ok {
				t.Fatalf("error type = %T", err)
			}
			if cerr.Field != tc.field {
				t.Errorf("field = %q, want %q", cerr.Field, tc.field)
			}
		})
	}
}

func TestSearchPathsEndWithWorkingDirectory(t *testing.T) {
	paths := SearchPaths("printernizer.toml")
	if len(paths) == 0 {
		t.Fatal("no search paths")
	}
	last := paths[len(paths)-1]
	if !strings.HasSuffix(last, "printernizer.toml") {
		t.Errorf("last path = %q", last)
	}
}
