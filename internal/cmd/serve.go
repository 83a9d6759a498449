package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/auth"
	"github.com/beamcode/beamcode/internal/config"
	"github.com/beamcode/beamcode/internal/eventbus"
	"github.com/beamcode/beamcode/internal/manager"
	"github.com/beamcode/beamcode/internal/server"
	"github.com/beamcode/beamcode/internal/trace"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "", "listen address (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")

	var cfg *config.Config
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	bus := eventbus.New()
	logger := newLogger(cfg.Broker.LogLevel, bus)

	tracer := trace.FromEnv(logger)
	registry := adapter.DefaultRegistry(cfg.Adapters, logger, tracer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authn, err := auth.FromConfig(ctx, cfg.Auth)
	if err != nil {
		return err
	}

	mgr, err := manager.New(cfg, registry, authn, bus, logger)
	if err != nil {
		return err
	}
	if err := mgr.Start(); err != nil {
		return err
	}

	srv := server.New(cfg, mgr, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
		mgr.Stop()
		bus.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	mgr.Stop()
	bus.Close()
	return nil
}

// newLogger builds the process logger: tinted output on terminals, logfmt
// otherwise, with every record mirrored onto the event bus.
func newLogger(level string, bus *eventbus.Bus) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var inner slog.Handler
	if info, err := os.Stderr.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
		inner = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	return slog.New(eventbus.NewSlogHandler(inner, bus))
}
