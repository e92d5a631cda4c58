package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path, applies defaults, then environment
// overrides, then validates. A missing file is fine: the service can run
// entirely from environment variables.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse configuration file %q: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env-only configuration
		default:
			return nil, fmt.Errorf("read configuration file %q: %w", path, err)
		}
	}

	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies VITALEXPORT_SECTION_FIELD environment variables.
// Environment always wins over the file.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("VITALEXPORT_PROVIDER_BASE_URL"); val != "" {
		cfg.Provider.BaseURL = val
	}
	if val := os.Getenv("VITALEXPORT_PROVIDER_TOKEN"); val != "" {
		cfg.Provider.Token = val
	}
	if val := os.Getenv("VITALEXPORT_PROVIDER_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Provider.Timeout = d
		}
	}
	if val := os.Getenv("VITALEXPORT_PROVIDER_RATE_LIMIT"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Provider.RateLimit = f
		}
	}
	if val := os.Getenv("VITALEXPORT_PROVIDER_BURST"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Provider.Burst = i
		}
	}

	if val := os.Getenv("VITALEXPORT_EXPORT_SCHEDULE"); val != "" {
		cfg.Export.Schedule = val
	}
	if val := os.Getenv("VITALEXPORT_EXPORT_LOOKBACK"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Export.Lookback = d
		}
	}
	if val := os.Getenv("VITALEXPORT_EXPORT_READ_CONCURRENCY"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Export.ReadConcurrency = i
		}
	}
	if val := os.Getenv("VITALEXPORT_EXPORT_MIN_SESSION_DURATION"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Export.MinSessionDuration = d
		}
	}

	if val := os.Getenv("VITALEXPORT_CURSOR_STORE_DSN"); val != "" {
		cfg.CursorStore.DSN = val
	}

	if val := os.Getenv("VITALEXPORT_SINK_DSN"); val != "" {
		cfg.Sink.DSN = val
	}
	if val := os.Getenv("VITALEXPORT_SINK_TOKEN"); val != "" {
		cfg.Sink.Token = val
	}

	if val := os.Getenv("VITALEXPORT_API_LISTEN_ADDRESS"); val != "" {
		cfg.API.ListenAddress = val
	}
	if val := os.Getenv("VITALEXPORT_API_AUTH_TOKEN"); val != "" {
		cfg.API.AuthToken = val
	}

	if val := os.Getenv("VITALEXPORT_LOGGING_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("VITALEXPORT_LOGGING_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
}
