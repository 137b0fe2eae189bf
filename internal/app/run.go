package app

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
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nuetzliches/claimq/internal/config"
	"github.com/nuetzliches/claimq/internal/gc"
	"github.com/nuetzliches/claimq/internal/httpapi"
	"github.com/nuetzliches/claimq/internal/metrics"
	"github.com/nuetzliches/claimq/internal/storage"
)

const shutdownTimeout = 5 * time.Second

func run(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	pidFile := fs.String("pid-file", "", "write process PID to file (overrides CLAIMQ_PID_FILE)")
	logLevel := fs.String("log-level", "", "log level override (debug|info|warn|error)")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	watch := fs.Bool("watch", false, "re-apply the pools file when it changes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	bootLevel := *logLevel
	if bootLevel == "" {
		bootLevel = "info"
	}
	bootLogger, err := newLogger(bootLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}

	cfg, err := loadConfig(*dotenvPath)
	if err != nil {
		bootLogger.Error("config_failed", slog.Any("err", err))
		return 1
	}

	logger, logCloser, err := newConfiguredLogger(cfg, *logLevel)
	if err != nil {
		bootLogger.Error("runtime_log_failed", slog.Any("err", err))
		return 1
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(logger)

	if strings.TrimSpace(*pidFile) != "" {
		cfg.PIDFile = *pidFile
	}
	releasePIDFile, err := claimPIDFile(cfg.PIDFile)
	if err != nil {
		logger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	m := metrics.New()

	if cfg.Tracing.Enabled() {
		shutdownTracing, err := initTracing(context.Background(), cfg.Tracing, func(err error) {
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled", slog.String("endpoint", cfg.Tracing.Endpoint))
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger, m)
	if err != nil {
		logger.Error("open_storage_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = be.Close() }()
	logger.Info("storage_ready",
		slog.String("backend", be.name),
		slog.Bool("pooling", cfg.Pooling.Enabled),
		slog.Bool("read_only", cfg.ReadOnly),
	)

	startPoolsReload(ctx, cfg, be, *watch, logger)
	startGC(ctx, cfg, be, m, logger)

	servers, err := startServers(ctx, cfg, be, m, logger, cancel)
	if err != nil {
		logger.Error("start_servers_failed", slog.Any("err", err))
		return 1
	}

	<-ctx.Done()
	logger.Info("shutdown_started")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	servers.shutdown(shutdownCtx)
	return 0
}

func loadConfig(dotenvPath string) (config.Config, error) {
	if p := strings.TrimSpace(dotenvPath); p != "" {
		if err := config.LoadDotenv(p); err != nil {
			return config.Config{}, fmt.Errorf("dotenv: %w", err)
		}
	}
	return config.Load()
}

// startPoolsReload re-applies the pools file on SIGHUP and, with watch set,
// whenever the file changes. Reloads never remove pools.
func startPoolsReload(ctx context.Context, cfg config.Config, be *backend, watch bool, logger *slog.Logger) {
	if be.control == nil || cfg.PoolsFile == "" {
		if watch {
			logger.Warn("watch_ignored", slog.String("reason", "pooling disabled or no pools file"))
		}
		return
	}

	var mu sync.Mutex
	reload := func(trigger string) {
		mu.Lock()
		defer mu.Unlock()
		reloadPools(ctx, cfg.PoolsFile, be.control.Pools(), logger, trigger)
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hupCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				reload("signal_sighup")
			}
		}
	}()
	if watch {
		go watchFile(ctx, cfg.PoolsFile, logger, func() {
			reload("watch")
		})
	}
}

func reloadPools(ctx context.Context, path string, ctrl storage.PoolsController, logger *slog.Logger, trigger string) bool {
	pools, err := config.ReadPoolsFile(path)
	if err != nil {
		logger.Error("pools_reload_failed", slog.String("trigger", trigger), slog.Any("err", err))
		return false
	}
	changed, err := applyPools(ctx, ctrl, pools, false, logger)
	if err != nil {
		logger.Error("pools_reload_failed", slog.String("trigger", trigger), slog.Any("err", err))
		return false
	}
	logger.Info("pools_reloaded",
		slog.String("trigger", trigger),
		slog.Int("pools", len(pools)),
		slog.Int("changed", changed),
	)
	return true
}

func startGC(ctx context.Context, cfg config.Config, be *backend, m *metrics.Metrics, logger *slog.Logger) {
	if cfg.ReadOnly {
		logger.Info("gc_disabled", slog.String("reason", "read_only"))
		return
	}
	collector, ok := be.collector()
	if !ok {
		logger.Info("gc_disabled", slog.String("reason", "backend cannot collect garbage"))
		return
	}
	runner := gc.NewRunner(collector, cfg.GC.Interval,
		gc.WithThreshold(cfg.GC.Threshold),
		gc.WithLogger(logger),
		gc.WithObserver(m.ObserveSweep),
	)
	go runner.Run(ctx)
}

type runningServers struct {
	http   *http.Server
	health *healthChecker
	grpc   interface{ GracefulStop() }
}

func (s runningServers) shutdown(ctx context.Context) {
	if s.http != nil {
		_ = s.http.Shutdown(ctx)
	}
	if s.grpc != nil {
		done := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
}

func startServers(ctx context.Context, cfg config.Config, be *backend, m *metrics.Metrics, logger *slog.Logger, cancel func()) (runningServers, error) {
	var out runningServers

	api := httpapi.NewServer(be.driver)
	api.Logger = logger
	api.Health = be.driver.Ping
	api.Metrics = m.Handler()
	api.ObserveRequest = m.ObserveRequest
	if be.control != nil {
		api.Pools = be.control.Pools()
	}
	handler := withAccessLog(logger, wrapTracingHandler(cfg.Tracing.Enabled(), "claimq.http", api.Handler()))

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return out, fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}
	out.http = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveOnListener(logger, "api", out.http, ln, cancel)
	logger.Info("http_listening", slog.String("addr", ln.Addr().String()))

	if cfg.HealthAddr != "" {
		hc := newHealthChecker(be.driver.Ping, logger)
		srv, addr, err := serveHealth(logger, cfg.HealthAddr, hc, cancel)
		if err != nil {
			_ = out.http.Close()
			return out, errors.Join(fmt.Errorf("listen %s", cfg.HealthAddr), err)
		}
		out.grpc = srv
		out.health = hc
		go hc.run(ctx)
		logger.Info("grpc_health_listening", slog.String("addr", addr.String()))
	}
	return out, nil
}
