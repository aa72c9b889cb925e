package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/buxton-project/buxton/internal/config"
	"github.com/buxton-project/buxton/internal/model"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.SocketPath == "" {
		t.Error("SocketPath default must not be empty")
	}
	if cfg.DBPath == "" {
		t.Error("DBPath default must not be empty")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromINI(t *testing.T) {
	t.Parallel()

	iniContent := `
[Configuration]
socket_path = /run/buxton/test.sock
db_path = /var/lib/buxton-test

[Base]
type = System
backend = persistent
priority = 0
description = system defaults

[Override]
type = System
backend = memory
priority = 10
description = in-memory overrides
`
	path := writeTemp(t, iniContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.SocketPath != "/run/buxton/test.sock" {
		t.Errorf("SocketPath = %q, want %q", cfg.SocketPath, "/run/buxton/test.sock")
	}
	if cfg.DBPath != "/var/lib/buxton-test" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/var/lib/buxton-test")
	}

	if len(cfg.Layers) != 2 {
		t.Fatalf("Layers count = %d, want 2", len(cfg.Layers))
	}

	base := cfg.Layers[0]
	if base.Name != "Base" || base.Priority != 0 || base.Order != 0 {
		t.Errorf("Layers[0] = %+v, want Base/priority 0/order 0", base)
	}

	override := cfg.Layers[1]
	if override.Name != "Override" || override.Priority != 10 || override.Order != 1 {
		t.Errorf("Layers[1] = %+v, want Override/priority 10/order 1", override)
	}
	if override.Backend != "memory" {
		t.Errorf("Layers[1].Backend = %q, want %q", override.Backend, "memory")
	}

	layers, err := cfg.ModelLayers()
	if err != nil {
		t.Fatalf("ModelLayers() error: %v", err)
	}
	if layers[1].Scope != model.ScopeSystem || layers[1].Backend != model.BackendMemory {
		t.Errorf("ModelLayers()[1] = %+v, want ScopeSystem/BackendMemory", layers[1])
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	iniContent := `
[Configuration]
socket_path = /run/buxton/custom.sock
`
	path := writeTemp(t, iniContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.SocketPath != "/run/buxton/custom.sock" {
		t.Errorf("SocketPath = %q, want %q", cfg.SocketPath, "/run/buxton/custom.sock")
	}
	if cfg.DBPath != config.DefaultConfig().DBPath {
		t.Errorf("DBPath = %q, want default %q", cfg.DBPath, config.DefaultConfig().DBPath)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want default %q", cfg.Log.Level, "info")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BUXTON_SOCKET_PATH", "/run/buxton/env.sock")
	t.Setenv("BUXTON_LOG_LEVEL", "debug")

	iniContent := `
[Configuration]
socket_path = /run/buxton/file.sock
`
	path := writeTemp(t, iniContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.SocketPath != "/run/buxton/env.sock" {
		t.Errorf("SocketPath = %q, want env override %q", cfg.SocketPath, "/run/buxton/env.sock")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want env override %q", cfg.Log.Level, "debug")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name:    "empty socket path",
			modify:  func(cfg *config.Config) { cfg.SocketPath = "" },
			wantErr: config.ErrEmptySocketPath,
		},
		{
			name:    "empty db path",
			modify:  func(cfg *config.Config) { cfg.DBPath = "" },
			wantErr: config.ErrEmptyDBPath,
		},
		{
			name: "invalid layer type",
			modify: func(cfg *config.Config) {
				cfg.Layers = []config.LayerConfig{{Name: "Base", Type: "Bogus", Backend: "memory"}}
			},
			wantErr: config.ErrInvalidLayerType,
		},
		{
			name: "invalid layer backend",
			modify: func(cfg *config.Config) {
				cfg.Layers = []config.LayerConfig{{Name: "Base", Type: "System", Backend: "bogus"}}
			},
			wantErr: config.ErrInvalidLayerBackend,
		},
		{
			name: "duplicate layer name",
			modify: func(cfg *config.Config) {
				cfg.Layers = []config.LayerConfig{
					{Name: "Base", Type: "System", Backend: "memory"},
					{Name: "Base", Type: "System", Backend: "memory"},
				}
			},
			wantErr: config.ErrDuplicateLayerName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			if got := config.ParseLogLevel(tt.input); got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/buxton.conf")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "buxton.conf")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
