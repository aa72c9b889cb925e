package client_test

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/buxton-project/buxton/internal/config"
	"github.com/buxton-project/buxton/internal/daemon"
	"github.com/buxton-project/buxton/internal/label"
	"github.com/buxton-project/buxton/internal/layer"
	"github.com/buxton-project/buxton/internal/metrics"
	"github.com/buxton-project/buxton/internal/model"
	"github.com/buxton-project/buxton/internal/store"
	"github.com/buxton-project/buxton/internal/wire"
	"github.com/buxton-project/buxton/pkg/client"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

// startDaemon builds and runs a real daemon over a Unix socket in a
// temp directory, returning its config and a stop function.
func startDaemon(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		ModuleDir:  dir,
		DBPath:     dir,
		RulesFile:  filepath.Join(dir, "no-such-rules-file"),
		SocketPath: filepath.Join(dir, "buxton.sock"),
		Log:        config.LogConfig{Level: "info", Format: "text"},
		Layers: []config.LayerConfig{
			{Name: "Base", Order: 0, Type: "System", Backend: "memory", Priority: 0},
		},
	}

	collector := metrics.NewCollector(prometheus.NewRegistry())
	d, err := daemon.New(cfg, discardLogger(), collector)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("daemon did not shut down")
		}
	})

	// wait for the socket to exist before dialing.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", cfg.SocketPath); err == nil {
			conn.Close()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	return cfg
}

func TestSocketClientSetGetRoundTrip(t *testing.T) {
	cfg := startDaemon(t)
	c, err := client.Open(cfg.SocketPath)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.CreateGroup("net", "Base")
	require.NoError(t, err)

	_, err = c.Set("net", "mtu", "Base", wire.Int32(1500))
	require.NoError(t, err)

	resp, err := c.Get("net", "mtu", "Base", wire.TypeUnknown)
	require.NoError(t, err)
	require.Equal(t, int32(1500), resp.Value.AsInt32())
}

func TestSocketClientGetMissingIsNotFound(t *testing.T) {
	cfg := startDaemon(t)
	c, err := client.Open(cfg.SocketPath)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get("net", "missing", "Base", wire.TypeUnknown)
	require.ErrorIs(t, err, client.ErrNotFound)
}

// TestSocketClientSetLabelDenied asserts SET_LABEL is refused over the
// socket regardless of the caller's own label: it is admitted only to
// the privileged in-process caller (see TestDirectClientGetLabelReflectsSetLabel).
func TestSocketClientSetLabelDenied(t *testing.T) {
	cfg := startDaemon(t)
	c, err := client.Open(cfg.SocketPath)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.CreateGroup("net", "Base")
	require.NoError(t, err)
	_, err = c.Set("net", "mtu", "Base", wire.Int32(1500))
	require.NoError(t, err)

	_, err = c.SetLabel("net", "mtu", "Base", "top-secret")
	require.ErrorIs(t, err, client.ErrDenied)
}

func TestSocketClientNotifyDeliversChange(t *testing.T) {
	cfg := startDaemon(t)
	setter, err := client.Open(cfg.SocketPath)
	require.NoError(t, err)
	defer setter.Close()

	subscriber, err := client.Open(cfg.SocketPath)
	require.NoError(t, err)
	defer subscriber.Close()

	_, err = setter.CreateGroup("net", "Base")
	require.NoError(t, err)
	_, err = setter.Set("net", "mtu", "Base", wire.Int32(1500))
	require.NoError(t, err)

	received := make(chan wire.Value, 1)
	err = subscriber.Notify("net", "mtu", func(key string, value wire.Value) {
		received <- value
	})
	require.NoError(t, err)

	_, err = setter.Set("net", "mtu", "Base", wire.Int32(9000))
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case v := <-received:
			require.Equal(t, int32(9000), v.AsInt32())
			return
		case <-deadline:
			t.Fatal("CHANGED notification never arrived")
		default:
			require.NoError(t, subscriber.HandleResponse())
		}
	}
}

func TestSocketClientListReturnsQualifiedKeys(t *testing.T) {
	cfg := startDaemon(t)
	c, err := client.Open(cfg.SocketPath)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.CreateGroup("net", "Base")
	require.NoError(t, err)
	_, err = c.Set("net", "mtu", "Base", wire.Int32(1500))
	require.NoError(t, err)
	_, err = c.Set("net", "dns", "Base", wire.String("8.8.8.8"))
	require.NoError(t, err)

	resp, err := c.List("Base")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"net.mtu", "net.dns"}, resp.Keys)
}

func newDirectResolver(t *testing.T) *layer.Resolver {
	t.Helper()
	backend := store.NewMemory()
	open := func(l model.Layer, uid int) (store.Backend, error) { return backend, nil }
	gate := label.New(nil, false)
	layers := []model.Layer{{Name: "Base", Priority: 0, Order: 0}}
	return layer.NewResolver(layers, open, func() *label.Gate { return gate })
}

func TestDirectClientBypassesSocket(t *testing.T) {
	resolver := newDirectResolver(t)
	c := client.OpenDirect(resolver)
	defer c.Close()

	fd, ok := c.Fd()
	require.False(t, ok)
	require.Equal(t, 0, fd)

	_, err := c.CreateGroup("net", "Base")
	require.NoError(t, err)

	_, err = c.Set("net", "mtu", "Base", wire.Int32(1500))
	require.NoError(t, err)

	resp, err := c.Get("net", "mtu", "Base", wire.TypeUnknown)
	require.NoError(t, err)
	require.Equal(t, int32(1500), resp.Value.AsInt32())
}

func TestDirectClientGetLabelReflectsSetLabel(t *testing.T) {
	resolver := newDirectResolver(t)
	c := client.OpenDirect(resolver)
	defer c.Close()

	_, err := c.CreateGroup("net", "Base")
	require.NoError(t, err)
	_, err = c.Set("net", "mtu", "Base", wire.Int32(1500))
	require.NoError(t, err)

	_, err = c.SetLabel("net", "mtu", "Base", "top-secret")
	require.NoError(t, err)

	resp, err := c.GetLabel("net", "mtu", "Base")
	require.NoError(t, err)
	require.Equal(t, model.Label("top-secret"), resp.Label)
}

func TestDirectClientNotifyUnsupported(t *testing.T) {
	resolver := newDirectResolver(t)
	c := client.OpenDirect(resolver)
	defer c.Close()

	err := c.Notify("net", "mtu", func(string, wire.Value) {})
	require.ErrorIs(t, err, client.ErrDirectNotify)
}
