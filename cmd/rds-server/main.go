package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/animus-labs/animus-rds/internal/config"
	"github.com/animus-labs/animus-rds/internal/platform/httpserver"
	"github.com/spf13/pflag"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	flags := pflag.NewFlagSet("rds-server", pflag.ContinueOnError)
	configPath := flags.String("config", "", "YAML config file (default $"+config.EnvConfigPath+")")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		logger.Error("invalid flags", "error", err)
		os.Exit(2)
	}

	cfg, err := config.Load(config.Path(*configPath))
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	if srv.pool != nil {
		go srv.pool.Run(ctx)
	}

	handler, err := srv.Handler()
	if err != nil {
		logger.Error("http handler init failed", "error", err)
		os.Exit(1)
	}
	if err := httpserver.Run(ctx, logger, cfg.Server, handler); err != nil {
		logger.Error("http server exited", "error", err)
		os.Exit(1)
	}
}
