package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/macossetup/macossetup/pkg/engine"
	"github.com/macossetup/macossetup/pkg/telemetry"
)

// Settings configures the macsetup tool itself, as opposed to the machine
// state it manages.
type Settings struct {
	// ConfigPath is the desired-state file.
	ConfigPath string `yaml:"config" validate:"required"`

	// Database is the SQLite history database.
	Database string `yaml:"database" validate:"required"`

	Executor ExecutorSettings `yaml:"executor"`

	// CollectTimeout bounds observed-state collection per adapter.
	CollectTimeout time.Duration `yaml:"collect_timeout" validate:"min=0"`

	Log     LogSettings     `yaml:"log"`
	Metrics MetricsSettings `yaml:"metrics"`
	Tracing TracingSettings `yaml:"tracing"`

	// Policies are extra Rego files or directories for the plan guard.
	Policies []string `yaml:"policies" validate:"dive,required"`

	// ProtectedItems ("kind:id") may never be removed.
	ProtectedItems []string `yaml:"protected_items" validate:"dive,required,contains=:"`

	// ProtectedDomains may never be written.
	ProtectedDomains []string `yaml:"protected_domains" validate:"dive,required"`
}

// ExecutorSettings mirrors engine.ExecutorOptions.
type ExecutorSettings struct {
	MaxRetries    int           `yaml:"max_retries" validate:"min=0,max=10"`
	BaseBackoff   time.Duration `yaml:"base_backoff" validate:"min=0"`
	MaxBackoff    time.Duration `yaml:"max_backoff" validate:"min=0,gtefield=BaseBackoff"`
	ActionTimeout time.Duration `yaml:"action_timeout" validate:"min=0"`
	MaxParallel   int           `yaml:"max_parallel" validate:"min=0"`
}

// LogSettings configures log output.
type LogSettings struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
	// File, when set, receives logs with rotation instead of stderr.
	File string `yaml:"file"`
}

// MetricsSettings configures metric export.
type MetricsSettings struct {
	Textfile string `yaml:"textfile"`
	Listen   string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// TracingSettings configures trace export.
type TracingSettings struct {
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`
}

// DefaultSettings returns settings rooted in the user's home directory.
func DefaultSettings() *Settings {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dir := filepath.Join(home, ".config", "macsetup")
	exec := engine.DefaultExecutorOptions()
	return &Settings{
		ConfigPath: filepath.Join(dir, "macsetup.yaml"),
		Database:   filepath.Join(dir, "state.db"),
		Executor: ExecutorSettings{
			MaxRetries:    exec.MaxRetries,
			BaseBackoff:   exec.BaseBackoff,
			MaxBackoff:    exec.MaxBackoff,
			ActionTimeout: exec.ActionTimeout,
			MaxParallel:   exec.MaxParallel,
		},
		CollectTimeout: 2 * time.Minute,
		Log: LogSettings{
			Level:  "info",
			Format: "console",
		},
		Tracing: TracingSettings{
			Exporter: "none",
		},
	}
}

// SettingsDir returns the directory holding the default settings file.
func SettingsDir() string {
	return filepath.Dir(DefaultSettings().ConfigPath)
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// ExecutorOptions converts the executor section.
func (s *Settings) ExecutorOptions() engine.ExecutorOptions {
	return engine.ExecutorOptions{
		MaxRetries:    s.Executor.MaxRetries,
		BaseBackoff:   s.Executor.BaseBackoff,
		MaxBackoff:    s.Executor.MaxBackoff,
		ActionTimeout: s.Executor.ActionTimeout,
		MaxParallel:   s.Executor.MaxParallel,
	}
}

// Telemetry converts the log, metrics and tracing sections.
func (s *Settings) Telemetry() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = s.Log.Level
	cfg.Logging.Format = s.Log.Format
	if s.Log.File != "" {
		cfg.Logging.Output = s.Log.File
	}
	cfg.Metrics.TextfilePath = s.Metrics.Textfile
	cfg.Metrics.ListenAddress = s.Metrics.Listen
	if s.Tracing.Exporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = s.Tracing.Exporter
		cfg.Tracing.Endpoint = s.Tracing.Endpoint
	}
	return cfg
}

// LoadSettings reads a YAML settings file over DefaultSettings. A missing
// file yields the defaults. The raw document is checked against the
// "settings" CUE schema before decoding.
func LoadSettings(ctx context.Context, path string) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if raw != nil {
		if err := defaultSchemas().ValidateAgainstSchema(ctx, "settings", raw); err != nil {
			return nil, fmt.Errorf("settings %s: %w", path, err)
		}
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to decode settings %s: %w", path, err)
	}
	s.ConfigPath = expandHome(s.ConfigPath)
	s.Database = expandHome(s.Database)
	s.Log.File = expandHome(s.Log.File)
	s.Metrics.Textfile = expandHome(s.Metrics.Textfile)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
