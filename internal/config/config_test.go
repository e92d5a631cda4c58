package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
provider:
  base_url: https://records.example.com
  token: tok_1
  rate_limit: 5
  burst: 2
export:
  schedule: "0 * * * *"
  lookback: 168h
  read_concurrency: 8
cursor_store:
  dsn: sqlite:///var/lib/vitalexport/cursors.db
sink:
  dsn: https://consumer.example.com/exports
  token: sink_tok
api:
  listen_address: ":9090"
logging:
  level: debug
  format: text
`

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vitalexport.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestLoadParsesYAML(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, sampleYAML))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Provider.BaseURL != "https://records.example.com" {
		t.Fatalf("unexpected base url %q", cfg.Provider.BaseURL)
	}
	if cfg.Export.Lookback != 168*time.Hour {
		t.Fatalf("unexpected lookback %v", cfg.Export.Lookback)
	}
	if cfg.Export.ReadConcurrency != 8 {
		t.Fatalf("unexpected read concurrency %d", cfg.Export.ReadConcurrency)
	}
	if cfg.CursorStore.DSN != "sqlite:///var/lib/vitalexport/cursors.db" {
		t.Fatalf("unexpected cursor store DSN %q", cfg.CursorStore.DSN)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Fatalf("unexpected logging config %+v", cfg.Logging)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, "provider:\n  base_url: https://records.example.com\n"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Export.Schedule != "*/15 * * * *" {
		t.Fatalf("expected default schedule, got %q", cfg.Export.Schedule)
	}
	if cfg.Export.Lookback != 30*24*time.Hour {
		t.Fatalf("expected default lookback, got %v", cfg.Export.Lookback)
	}
	if cfg.Export.MinSessionDuration != time.Minute {
		t.Fatalf("expected default min session duration, got %v", cfg.Export.MinSessionDuration)
	}
	if cfg.API.ListenAddress != ":8080" {
		t.Fatalf("expected default listen address, got %q", cfg.API.ListenAddress)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("expected default logging, got %+v", cfg.Logging)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("VITALEXPORT_PROVIDER_BASE_URL", "https://other.example.com")
	t.Setenv("VITALEXPORT_EXPORT_LOOKBACK", "72h")
	t.Setenv("VITALEXPORT_LOGGING_LEVEL", "warn")

	cfg, err := Load(writeConfigFile(t, sampleYAML))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Provider.BaseURL != "https://other.example.com" {
		t.Fatalf("env override ignored: %q", cfg.Provider.BaseURL)
	}
	if cfg.Export.Lookback != 72*time.Hour {
		t.Fatalf("env override ignored: %v", cfg.Export.Lookback)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("env override ignored: %q", cfg.Logging.Level)
	}
}

func TestLoadMissingFileUsesEnvOnly(t *testing.T) {
	t.Setenv("VITALEXPORT_PROVIDER_BASE_URL", "https://records.example.com")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to env: %v", err)
	}
	if cfg.Provider.BaseURL != "https://records.example.com" {
		t.Fatalf("unexpected base url %q", cfg.Provider.BaseURL)
	}
}

func TestValidateRejectsMissingBaseURL(t *testing.T) {
	_, err := Load(writeConfigFile(t, "export:\n  lookback: 24h\n"))
	if err == nil || !strings.Contains(err.Error(), "provider.base_url") {
		t.Fatalf("expected base_url validation error, got %v", err)
	}
}

func TestValidateRejectsBadLoggingLevel(t *testing.T) {
	var cfg Config
	cfg.Provider.BaseURL = "https://records.example.com"
	ApplyDefaults(&cfg)
	cfg.Logging.Level = "verbose"
	if err := Validate(&cfg); err == nil {
		t.Fatalf("expected logging level validation error")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfigFile(t, "provider: [not a map")); err == nil {
		t.Fatalf("expected parse error")
	}
}
