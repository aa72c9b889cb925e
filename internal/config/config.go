// Package config loads the daemon's INI configuration file with
// koanf/v2, layering environment-variable overrides and built-in
// defaults beneath it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/buxton-project/buxton/internal/model"
)

// Config holds the complete daemon configuration: the [Configuration]
// section's scalar overrides, the log output settings, and the
// layer stack declared by every other section in the file.
type Config struct {
	ModuleDir   string `koanf:"module_dir"`
	DBPath      string `koanf:"db_path"`
	RulesFile   string `koanf:"rules_file"`
	SocketPath  string `koanf:"socket_path"`
	MetricsAddr string `koanf:"metrics_addr"`

	Log LogConfig `koanf:"log"`

	Layers []LayerConfig `koanf:"layers"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// LayerConfig describes one layer section of the configuration file.
type LayerConfig struct {
	// Name is the INI section name.
	Name string `koanf:"name"`
	// Order is the section's position in the file, used to break
	// priority ties (invariant 6).
	Order int `koanf:"order"`

	Type        string `koanf:"type"`
	Backend     string `koanf:"backend"`
	Priority    int    `koanf:"priority"`
	Description string `koanf:"description"`
}

// ModelLayers converts the configured layer sections into the
// resolver's model.Layer type, in the order they appeared in the file.
func (c *Config) ModelLayers() ([]model.Layer, error) {
	layers := make([]model.Layer, 0, len(c.Layers))
	for _, l := range c.Layers {
		scope, err := parseScope(l.Type)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.Name, err)
		}
		backend, err := parseBackend(l.Backend)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.Name, err)
		}
		layers = append(layers, model.Layer{
			Name:        l.Name,
			Description: l.Description,
			Scope:       scope,
			Backend:     backend,
			Priority:    l.Priority,
			Order:       l.Order,
		})
	}
	return layers, nil
}

func parseScope(s string) (model.Scope, error) {
	switch s {
	case "System", "":
		return model.ScopeSystem, nil
	case "User":
		return model.ScopeUser, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidLayerType, s)
	}
}

func parseBackend(s string) (model.Backend, error) {
	switch s {
	case "persistent", "":
		return model.BackendPersistent, nil
	case "memory":
		return model.BackendMemory, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidLayerBackend, s)
	}
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ModuleDir:   "/usr/lib/buxton",
		DBPath:      "/var/lib/buxton",
		RulesFile:   "/etc/smack/accesses.d/buxton",
		SocketPath:  "/run/buxton/socket",
		MetricsAddr: "127.0.0.1:9191",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// envPrefix is the environment variable prefix for daemon configuration.
const envPrefix = "BUXTON_"

// configPathEnvVar names the config file path override. It sits outside
// envKeys because it selects which file Load reads rather than a key
// inside it: the CLI flag wins if set, and this env var is used
// otherwise. When neither is set, no file is read.
const configPathEnvVar = "BUXTON_CONFIG_PATH"

// PathFromEnv returns BUXTON_CONFIG_PATH, or "" if it is unset. Callers
// consult it only when no --config flag was given.
func PathFromEnv() string {
	return os.Getenv(configPathEnvVar)
}

// envKeys maps the recognized environment variables to the config key
// they override. Only the keys spec.md names an env override for
// (module directory, database path, MAC rules file, socket path) plus
// the ambient metrics address and log settings are recognized; anything
// else is ignored.
var envKeys = map[string]string{
	"BUXTON_MODULE_DIR":   "module_dir",
	"BUXTON_DB_PATH":      "db_path",
	"BUXTON_RULES_FILE":   "rules_file",
	"BUXTON_SOCKET_PATH":  "socket_path",
	"BUXTON_METRICS_ADDR": "metrics_addr",
	"BUXTON_LOG_LEVEL":    "log.level",
	"BUXTON_LOG_FORMAT":   "log.format",
}

// Load reads the INI configuration file at path, overlays recognized
// environment variable overrides, and merges on top of DefaultConfig().
// Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), koanfIniParser{}); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms a recognized BUXTON_ variable name to its
// config key, or returns "" for anything else so koanf's env provider
// skips it.
func envKeyMapper(s string) string {
	return envKeys[s]
}

func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"module_dir":   defaults.ModuleDir,
		"db_path":      defaults.DBPath,
		"rules_file":   defaults.RulesFile,
		"socket_path":  defaults.SocketPath,
		"metrics_addr": defaults.MetricsAddr,
		"log.level":    defaults.Log.Level,
		"log.format":   defaults.Log.Format,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validation errors.
var (
	ErrEmptySocketPath     = errors.New("socket_path must not be empty")
	ErrEmptyDBPath         = errors.New("db_path must not be empty")
	ErrEmptyLayerName      = errors.New("layer name must not be empty")
	ErrInvalidLayerType    = errors.New("layer type must be System or User")
	ErrInvalidLayerBackend = errors.New("layer backend must be persistent or memory")
	ErrDuplicateLayerName  = errors.New("duplicate layer name")
)

// Validate checks the configuration for logical errors. Returns the
// first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.SocketPath == "" {
		return ErrEmptySocketPath
	}
	if cfg.DBPath == "" {
		return ErrEmptyDBPath
	}
	return validateLayers(cfg.Layers)
}

func validateLayers(layers []LayerConfig) error {
	seen := make(map[string]struct{}, len(layers))
	for i, l := range layers {
		if l.Name == "" {
			return fmt.Errorf("layers[%d]: %w", i, ErrEmptyLayerName)
		}
		if _, err := parseScope(l.Type); err != nil {
			return fmt.Errorf("layers[%d]: %w", i, err)
		}
		if _, err := parseBackend(l.Backend); err != nil {
			return fmt.Errorf("layers[%d]: %w", i, err)
		}
		if _, dup := seen[l.Name]; dup {
			return fmt.Errorf("layers[%d] %q: %w", i, l.Name, ErrDuplicateLayerName)
		}
		seen[l.Name] = struct{}{}
	}
	return nil
}

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
