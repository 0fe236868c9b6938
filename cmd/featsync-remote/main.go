// Command featsync-remote serves the HTTP document API featsync syncs
// against, backed by a libSQL database file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/trackflow/featsync/internal/docserver"
	"github.com/trackflow/featsync/internal/docserver/libsqlstore"
	"github.com/trackflow/featsync/internal/logging"
	"github.com/trackflow/featsync/internal/telemetry"
)

// Config is read from the environment.
type Config struct {
	Addr            string        `env:"FEATSYNC_REMOTE_ADDR"             envDefault:":8787"`
	DBPath          string        `env:"FEATSYNC_REMOTE_DB"               envDefault:"featsync-remote.db"`
	APIKey          string        `env:"FEATSYNC_REMOTE_API_KEY"`
	LogLevel        string        `env:"FEATSYNC_REMOTE_LOG_LEVEL"        envDefault:"info"`
	LogFormat       string        `env:"FEATSYNC_REMOTE_LOG_FORMAT"       envDefault:"json"`
	ShutdownTimeout time.Duration `env:"FEATSYNC_REMOTE_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	OTLPEndpoint    string        `env:"FEATSYNC_REMOTE_OTLP_ENDPOINT"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "featsync-remote: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, "featsync-remote", cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer shutdownTelemetry(context.Background())

	store, err := libsqlstore.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.APIKey == "" {
		logger.Warn("no api key set, the document API is open to anyone who can reach it")
	}
	srv := docserver.NewServer(store, &docserver.Config{
		Addr:   cfg.Addr,
		APIKey: cfg.APIKey,
		Logger: logger,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Stop(stopCtx)
}
