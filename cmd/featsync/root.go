package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/trackflow/featsync/internal/app"
	"github.com/trackflow/featsync/internal/config"
	"github.com/trackflow/featsync/internal/failure"
	"github.com/trackflow/featsync/internal/logging"
	"github.com/trackflow/featsync/internal/telemetry"
	"github.com/trackflow/featsync/internal/ui"
)

var (
	dataDirFlag  string
	configFlag   string
	userFlag     string
	logLevelFlag string
	noColorFlag  bool
)

// Resolved once per invocation by the root PersistentPreRunE.
var (
	cfg               *config.Config
	logger            *slog.Logger
	closeLog          func() error
	shutdownTelemetry func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "featsync",
	Short: "Offline-first feature repository with background sync",
	Long: `featsync keeps a local copy of your features and a queue of pending
changes. Reads and writes hit the local database immediately; a background
sync pushes queued changes to the remote document store and pulls newer
remote copies back.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "features", Title: "Features:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&dataDirFlag, "data-dir", "", "Data directory (default .featsync)")
	pf.StringVar(&configFlag, "config", "", "Config file (default <data-dir>/featsync.toml)")
	pf.StringVarP(&userFlag, "user", "u", "", "User id to act as")
	pf.StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&noColorFlag, "no-color", false, "Disable colored output")
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(config.Options{File: configFlag, DataDir: dataDirFlag})
	if err != nil {
		return err
	}
	if userFlag != "" {
		cfg.User = userFlag
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}

	ui.Setup(noColorFlag)

	logger, closeLog, err = logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	shutdownTelemetry, err = telemetry.Setup(cmd.Context(), cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	return nil
}

func teardown() error {
	var errs []error
	if shutdownTelemetry != nil {
		if err := shutdownTelemetry(context.Background()); err != nil {
			errs = append(errs, err)
		}
		shutdownTelemetry = nil
	}
	if closeLog != nil {
		if err := closeLog(); err != nil {
			errs = append(errs, err)
		}
		closeLog = nil
	}
	return errors.Join(errs...)
}

// withApp opens the local stores for the duration of fn. On return,
// background sync triggered by fn gets until the stop timeout to finish;
// anything left stays queued for the next run.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Sync.StopTimeout)
		defer cancel()
		if err := a.Close(ctx); err != nil {
			logger.Warn("failed to close local database", "error", err)
		}
	}()
	return fn(cmd.Context(), a)
}

// requireUser returns the acting user or an error naming how to set one.
func requireUser() (string, error) {
	if u := strings.TrimSpace(cfg.User); u != "" {
		return u, nil
	}
	return "", fmt.Errorf("no user set: pass --user or set %s_USER", config.EnvPrefix)
}

// exitCode maps failure kinds to process exit codes.
func exitCode(err error) int {
	switch failure.KindOf(err) {
	case failure.KindInvalid:
		return 2
	case failure.KindNotFound:
		return 3
	case failure.KindPermission:
		return 4
	}
	return 1
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
	os.Exit(exitCode(err))
}
