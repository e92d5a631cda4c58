// Package config holds the service configuration: YAML file, defaults,
// environment overrides, and live reload.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Provider    ProviderConfig    `yaml:"provider"`
	Export      ExportConfig      `yaml:"export"`
	CursorStore CursorStoreConfig `yaml:"cursor_store"`
	Sink        SinkConfig        `yaml:"sink"`
	API         APIConfig         `yaml:"api"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ProviderConfig describes the upstream health records API.
type ProviderConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Token     string        `yaml:"token"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
}

// ExportConfig controls the export engine itself.
type ExportConfig struct {
	Schedule           string        `yaml:"schedule"`
	Lookback           time.Duration `yaml:"lookback"`
	ReadConcurrency    int           `yaml:"read_concurrency"`
	MinSessionDuration time.Duration `yaml:"min_session_duration"`
	Types              []string      `yaml:"types"`
}

type CursorStoreConfig struct {
	DSN string `yaml:"dsn"`
}

type SinkConfig struct {
	DSN   string `yaml:"dsn"`
	Token string `yaml:"token"`
}

type APIConfig struct {
	ListenAddress string `yaml:"listen_address"`
	AuthToken     string `yaml:"auth_token"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ApplyDefaults fills in zero-valued fields. It is idempotent.
func ApplyDefaults(cfg *Config) {
	if cfg.Provider.Timeout <= 0 {
		cfg.Provider.Timeout = 30 * time.Second
	}
	if cfg.Export.Schedule == "" {
		cfg.Export.Schedule = "*/15 * * * *"
	}
	if cfg.Export.Lookback <= 0 {
		cfg.Export.Lookback = 30 * 24 * time.Hour
	}
	if cfg.Export.ReadConcurrency <= 0 {
		cfg.Export.ReadConcurrency = 4
	}
	if cfg.Export.MinSessionDuration <= 0 {
		cfg.Export.MinSessionDuration = time.Minute
	}
	if cfg.CursorStore.DSN == "" {
		cfg.CursorStore.DSN = "file://vitalexport_cursor.json"
	}
	if cfg.Sink.DSN == "" {
		cfg.Sink.DSN = "file://exports"
	}
	if cfg.API.ListenAddress == "" {
		cfg.API.ListenAddress = ":8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations the service cannot start with.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Provider.BaseURL) == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if cfg.Provider.RateLimit < 0 {
		return fmt.Errorf("provider.rate_limit must not be negative")
	}
	if cfg.Export.Lookback <= 0 {
		return fmt.Errorf("export.lookback must be positive")
	}
	if cfg.Export.ReadConcurrency <= 0 {
		return fmt.Errorf("export.read_concurrency must be positive")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", cfg.Logging.Format)
	}
	return nil
}
