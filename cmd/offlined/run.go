package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-offline/internal/agent"
	"github.com/basket/go-offline/internal/bus"
	"github.com/basket/go-offline/internal/config"
	"github.com/basket/go-offline/internal/coordinator"
	otelpkg "github.com/basket/go-offline/internal/otel"
	"github.com/basket/go-offline/internal/telemetry"
	"github.com/basket/go-offline/internal/tui"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			interactive := watch && isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("OFFLINED_NO_TUI") == ""
			return runDaemon(cmd.Context(), interactive)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "show the status monitor while running (logs go to the log file only)")
	return cmd
}

func runDaemon(ctx context.Context, interactive bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			return fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
		if cfg, err = config.Load(); err != nil {
			return fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	// Quiet logs (file-only) while the status monitor owns the terminal.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "origin", cfg.Origin, "version", cfg.Version)
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("auth_token is empty on a non-loopback bind; control endpoints are open", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
		Origin:         cfg.Origin,
		BindAddr:       cfg.BindAddr,
	})
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.WithoutCancel(ctx))
	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
		metrics = otelpkg.NoopMetrics()
	}

	rt, err := agent.New(agent.Options{
		Config:  cfg,
		Bus:     bus.New(),
		Logger:  logger,
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
	})
	if err != nil {
		return fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("close runtime", "error", err)
		}
	}()
	logger.Info("startup phase", "phase", "store_opened", "db", config.DBPath(cfg.HomeDir))

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  Port is already in use. Stop the existing agent or change bind_addr in config.yaml", err)
		}
		return fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())
	server := &http.Server{
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("agent listening", "addr", ln.Addr().String(), "control", "/__agent/")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if err := rt.Start(ctx); err != nil {
		return fatalStartup(logger, "E_RUNTIME_START", err)
	}
	logger.Info("startup phase", "phase", "runtime_started", "active", rt.Lifecycle.ActiveVersion())

	watcher := config.NewWatcher(cfg.HomeDir, logger.With("component", "config"))
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go followConfig(ctx, watcher, rt, logger)
	}

	if interactive {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		coord := coordinator.New(coordinator.Options{
			URL:    agentURL(ln.Addr().String()),
			Token:  cfg.AuthToken,
			Logger: logger.With("component", "coordinator"),
		})
		go func() { _ = coord.Run(ctx) }()
		if err := tui.Run(ctx, coord); err != nil && ctx.Err() == nil {
			logger.Error("status monitor exited with error", "error", err)
		}
	} else {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
		case err := <-serverErr:
			logger.Error("agent server error", "error", err)
		}
	}

	// Stop intake first, then drain background loops and close the store
	// in the deferred rt.Close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return nil
}

// followConfig re-reads the deployed release whenever config.yaml or the
// home .env changes.
func followConfig(ctx context.Context, w *config.Watcher, rt *agent.Runtime, logger *slog.Logger) {
	for ev := range w.Events() {
		if filepath.Base(ev.Path) == ".env" {
			if err := godotenv.Overload(ev.Path); err != nil {
				logger.Warn("reload .env", "error", err)
			}
		}
		res, err := rt.CheckForUpdate(ctx)
		if err != nil {
			logger.Warn("update check after config change", "path", ev.Path, "error", err)
			continue
		}
		logger.Info("update check after config change", "version", res.Version, "waiting", res.Waiting)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) error {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			err.Error(),
		)
	}
	return fmt.Errorf("%s: %w", reasonCode, err)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}
