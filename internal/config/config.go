// Package config loads sessiontrace settings from an optional YAML file
// and SESSIONTRACE_ environment variables. Nested keys use a double
// underscore, e.g. SESSIONTRACE_TRACKER__BUSINESS_ID.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix   = "SESSIONTRACE_"
	DefaultFile = "sessiontrace.yaml"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Tracker   TrackerConfig   `koanf:"tracker"`
	Browser   BrowserConfig   `koanf:"browser"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Address        string   `koanf:"address"`
	RateLimit      int      `koanf:"rate_limit"` // requests per IP per minute, 0 disables
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
}

type TrackerConfig struct {
	BusinessID      string        `koanf:"business_id"`
	UserID          string        `koanf:"user_id"`
	Endpoint        string        `koanf:"endpoint"`
	ExcludePaths    []string      `koanf:"exclude_paths"`
	InputDebounce   time.Duration `koanf:"input_debounce"`
	DeliveryTimeout time.Duration `koanf:"delivery_timeout"` // fallback HTTP delivery
}

type BrowserConfig struct {
	Headless    bool   `koanf:"headless"`
	ChromePath  string `koanf:"chrome_path"`
	VPNCheckURL string `koanf:"vpn_check_url"` // optional bot detection signal
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text or auto
}

type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	SampleRatio float64 `koanf:"sample_ratio"`
	Pretty      bool    `koanf:"pretty"`
}

var defaults = map[string]any{
	"server.address":           "127.0.0.1:8123",
	"server.rate_limit":        120,
	"server.allowed_origins":   []string{"*"},
	"tracker.endpoint":         "http://127.0.0.1:8123/sessions",
	"tracker.input_debounce":   "500ms",
	"tracker.delivery_timeout": "10s",
	"browser.headless":         true,
	"log.level":                "info",
	"log.format":               "auto",
	"telemetry.sample_ratio":   1.0,
}

// Load reads path (DefaultFile when empty) if it exists, then applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	// Environment variables override the file
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Database.Path == "" {
		p, err := DefaultDatabasePath()
		if err != nil {
			return nil, err
		}
		cfg.Database.Path = p
	}
	return &cfg, nil
}

// DefaultDatabasePath returns sessions.db in the platform's application
// data directory, creating the directory.
func DefaultDatabasePath() (string, error) {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	var applicationDirectory string
	switch runtime.GOOS {
	case "darwin":
		applicationDirectory = filepath.Join(homeDirectory, "Library", "Application Support", "SessionTrace")
	case "windows":
		applicationDirectory = filepath.Join(homeDirectory, "AppData", "Roaming", "SessionTrace")
	default: // linux and others
		applicationDirectory = filepath.Join(homeDirectory, ".local", "share", "SessionTrace")
	}
	if err := os.MkdirAll(applicationDirectory, 0o755); err != nil {
		return "", fmt.Errorf("failed to create application directory: %w", err)
	}
	return filepath.Join(applicationDirectory, "sessions.db"), nil
}
