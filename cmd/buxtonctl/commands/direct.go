package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/buxton-project/buxton/internal/config"
	"github.com/buxton-project/buxton/internal/label"
	"github.com/buxton-project/buxton/internal/layer"
	"github.com/buxton-project/buxton/internal/model"
	"github.com/buxton-project/buxton/internal/store"
	"github.com/buxton-project/buxton/pkg/client"
)

// errDirectRequiresConfig is returned when --direct is set without
// --config: a direct client needs the same layer stack and rules file
// the daemon itself would load, and there is no running daemon to ask.
var errDirectRequiresConfig = errors.New("--direct requires --config")

// openClient builds the connection every subcommand uses, honoring
// --direct/--socket/--config exactly as described in their flag help.
func openClient() (*client.Client, error) {
	if direct {
		return openDirectClient()
	}
	return client.Open(socketPath)
}

// openDirectClient builds a resolver the same way buxtond's own
// internal/daemon.New does -- load the rule table, open backends
// lazily -- then wraps it in a privileged client.Client that never
// touches the wire.
func openDirectClient() (*client.Client, error) {
	path := configPath
	if path == "" {
		path = config.PathFromEnv()
	}
	if path == "" {
		return nil, errDirectRequiresConfig
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	modelLayers, err := cfg.ModelLayers()
	if err != nil {
		return nil, fmt.Errorf("build layer list: %w", err)
	}

	discardLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	watcher, err := label.NewWatcher(cfg.RulesFile, true, discardLogger)
	if err != nil {
		return nil, fmt.Errorf("load access rules: %w", err)
	}

	opener := func(l model.Layer, uid int) (store.Backend, error) {
		if l.Backend == model.BackendMemory {
			return store.NewMemory(), nil
		}
		return store.OpenPersistent(filepath.Join(cfg.DBPath, store.FileName(l.Name, l.Scope, uid)))
	}

	resolver := layer.NewResolver(modelLayers, opener, watcher.Gate)
	return client.OpenDirect(resolver), nil
}
