package simple_test

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
	"github.com/buxton-project/buxton/internal/metrics"
	"github.com/buxton-project/buxton/internal/wire"
	"github.com/buxton-project/buxton/pkg/client/simple"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

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

func TestSimpleSetGroupThenTypedAccessors(t *testing.T) {
	cfg := startDaemon(t)
	require.NoError(t, simple.Open(cfg.SocketPath))
	t.Cleanup(func() { simple.Close() })

	require.NoError(t, simple.SetGroup("net", "Base"))

	require.NoError(t, simple.SetInt32("mtu", 1500))
	v, err := simple.GetInt32("mtu")
	require.NoError(t, err)
	require.Equal(t, int32(1500), v)

	require.NoError(t, simple.SetString("dns", "8.8.8.8"))
	s, err := simple.GetString("dns")
	require.NoError(t, err)
	require.Equal(t, "8.8.8.8", s)

	require.NoError(t, simple.SetBool("dhcp", true))
	b, err := simple.GetBool("dhcp")
	require.NoError(t, err)
	require.True(t, b)
}

func TestSimpleSetGroupIsIdempotent(t *testing.T) {
	cfg := startDaemon(t)
	require.NoError(t, simple.Open(cfg.SocketPath))
	t.Cleanup(func() { simple.Close() })

	require.NoError(t, simple.SetGroup("net", "Base"))
	require.NoError(t, simple.SetGroup("net", "Base"))
}

func TestSimpleNotifyRoundTrip(t *testing.T) {
	cfg := startDaemon(t)
	require.NoError(t, simple.Open(cfg.SocketPath))
	t.Cleanup(func() { simple.Close() })

	require.NoError(t, simple.SetGroup("net", "Base"))
	require.NoError(t, simple.SetInt32("mtu", 1500))

	received := make(chan int32, 1)
	require.NoError(t, simple.RegisterNotify("mtu", func(key string, value wire.Value) {
		received <- value.AsInt32()
	}))

	require.NoError(t, simple.SetInt32("mtu", 9000))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case v := <-received:
			require.Equal(t, int32(9000), v)
			return
		case <-deadline:
			t.Fatal("CHANGED notification never arrived")
		default:
			require.NoError(t, simple.HandleResponse())
		}
	}
}
