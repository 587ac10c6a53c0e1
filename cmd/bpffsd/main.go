// Command bpffsd is the bpffs control-plane daemon. It loads a YAML
// configuration file, serves the function namespace over HTTP and the
// descriptor transport socket, and shuts down gracefully on SIGTERM or
// SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tripwire/bpffs/internal/config"
	"github.com/tripwire/bpffs/internal/daemon"
)

func main() {
	configPath := flag.String("config", "", "path to the bpffsd YAML configuration file (built-in defaults when empty)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "bpffsd: %v\n", err)
			os.Exit(1)
		}
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("log_level", cfg.LogLevel),
	)

	d := daemon.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		logger.Error("failed to start bpffsd", slog.Any("error", err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	waitErr := make(chan error, 1)
	go func() { waitErr <- d.Wait() }()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-waitErr:
		if err != nil {
			logger.Error("server exited", slog.Any("error", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := d.Stop(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("bpffsd exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
