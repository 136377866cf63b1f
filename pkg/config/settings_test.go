package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("default settings are invalid: %v", err)
	}
	if filepath.Base(s.ConfigPath) != "macsetup.yaml" || filepath.Base(s.Database) != "state.db" {
		t.Errorf("unexpected paths %s %s", s.ConfigPath, s.Database)
	}
	if opts := s.ExecutorOptions(); opts.MaxRetries != 3 || opts.BaseBackoff != time.Second {
		t.Errorf("unexpected executor options %+v", opts)
	}
	if cfg := s.Telemetry(); cfg.Tracing.Enabled || cfg.Logging.Format != "console" {
		t.Errorf("unexpected telemetry config %+v", cfg)
	}
}

func TestLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
database: /var/tmp/macsetup.db
executor:
  max_retries: 5
  base_backoff: 250ms
  max_backoff: 30s
log:
  level: debug
  format: json
tracing:
  exporter: otlp
  endpoint: localhost:4317
protected_items: ["brew:git"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSettings(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if s.Database != "/var/tmp/macsetup.db" || s.Executor.MaxRetries != 5 {
		t.Errorf("unexpected settings %+v", s)
	}
	if s.Executor.BaseBackoff != 250*time.Millisecond || s.Executor.MaxBackoff != 30*time.Second {
		t.Errorf("unexpected backoff %v %v", s.Executor.BaseBackoff, s.Executor.MaxBackoff)
	}
	if s.Executor.ActionTimeout != 10*time.Minute {
		t.Errorf("unset fields should keep defaults, got %v", s.Executor.ActionTimeout)
	}
	cfg := s.Telemetry()
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "otlp" || cfg.Logging.Level != "debug" {
		t.Errorf("unexpected telemetry config %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("telemetry config invalid: %v", err)
	}
}

func TestLoadSettingsMissingFile(t *testing.T) {
	s, err := LoadSettings(context.Background(), filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if s.Log.Level != "info" {
		t.Errorf("expected defaults, got %+v", s.Log)
	}
}

func TestLoadSettingsRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "colour: blue\n", "settings"},
		{"bad duration", "collect_timeout: soon\n", "settings"},
		{"bad level", "log:\n  level: loud\n", "settings"},
		{"otlp without endpoint", "tracing:\n  exporter: otlp\n", "Endpoint"},
		{"backoff inverted", "executor:\n  base_backoff: 1m\n  max_backoff: 1s\n", "MaxBackoff"},
		{"protected item without kind", "protected_items: [git]\n", "ProtectedItems"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "settings.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadSettings(context.Background(), path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
