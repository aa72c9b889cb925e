// Command buxtond is the buxton configuration daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/buxton-project/buxton/internal/config"
	buxtond "github.com/buxton-project/buxton/internal/daemon"
	"github.com/buxton-project/buxton/internal/metrics"
	appversion "github.com/buxton-project/buxton/internal/version"
)

// shutdownTimeout bounds how long the metrics HTTP server is given to
// drain in-flight scrapes during graceful shutdown.
const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (INI)")
	printVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *printVersion {
		fmt.Println(appversion.Full("buxtond"))
		return 0
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger := newLogger(cfg.Log)
	logger.Info("buxtond starting",
		slog.String("version", appversion.Version),
		slog.String("socket_path", cfg.SocketPath),
		slog.String("metrics_addr", cfg.MetricsAddr),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	d, err := buxtond.New(cfg, logger, collector)
	if err != nil {
		logger.Error("failed to initialize daemon", slog.String("error", err.Error()))
		return 1
	}

	if err := runDaemon(cfg, d, reg, logger); err != nil {
		logger.Error("buxtond exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("buxtond stopped")
	return 0
}

// runDaemon runs the event loop, the access rules watcher, the metrics
// HTTP server and the systemd notification goroutines under a single
// errgroup with a signal-aware context, so that any one of them
// failing tears down the rest.
func runDaemon(cfg *config.Config, d *buxtond.Daemon, reg *prometheus.Registry, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	metricsSrv := newMetricsServer(cfg.MetricsAddr)

	g.Go(func() error {
		return d.Run(gCtx)
	})
	g.Go(func() error {
		return d.WatchRules(gCtx)
	})
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.MetricsAddr))
		return listenAndServe(gCtx, metricsSrv, cfg.MetricsAddr)
	})
	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return shutdownMetricsServer(gCtx, metricsSrv, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func shutdownMetricsServer(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	notifyStopping(logger)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Systemd integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half
// the configured interval. It returns immediately, without error, if
// the watchdog is not configured for this unit.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	tick := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tick),
	)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.PathFromEnv()
	}

	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
