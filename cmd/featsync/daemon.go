package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/trackflow/featsync/internal/app"
	"github.com/trackflow/featsync/internal/daemon"
	"github.com/trackflow/featsync/internal/livefeed"
	"github.com/trackflow/featsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync until interrupted",
	Long: `Run background sync in the foreground until SIGINT or SIGTERM.

The daemon:
  1. Returns operations claimed by a crashed process to the queue
  2. Drains the queue at startup and every sync.drain_interval
  3. Logs dead-lettered operations as they happen
  4. Serves the live feed when livefeed.enabled is set (or --livefeed)

On shutdown in-flight sync gets sync.stop_timeout to finish; anything left
stays queued for the next run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("livefeed") {
			cfg.LiveFeed.Enabled, _ = cmd.Flags().GetBool("livefeed")
		}
		if cmd.Flags().Changed("livefeed-addr") {
			cfg.LiveFeed.Addr, _ = cmd.Flags().GetString("livefeed-addr")
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			dc := &daemon.Config{
				DrainKey:      a.Keys.Drain(),
				DrainInterval: cfg.Sync.DrainInterval,
				StopTimeout:   cfg.Sync.StopTimeout,
				WatchExternal: cfg.DB.WatchExternal,
				StatsInterval: cfg.LiveFeed.StatsInterval,
				Logger:        logger,
			}
			if cfg.LiveFeed.Enabled {
				dc.LiveFeed = &livefeed.Config{Addr: cfg.LiveFeed.Addr, Logger: logger}
			}

			d, err := daemon.New(a.Cache, a.Queue, a.Coordinator, dc)
			if err != nil {
				return err
			}

			fmt.Printf("%s featsync daemon running (db %s, remote %s)\n",
				ui.RenderAccent("●"), a.DB.Path(), cfg.Remote.URL)
			if dc.LiveFeed != nil {
				fmt.Printf("   Live feed: ws://%s/ws\n", cfg.LiveFeed.Addr)
			}
			fmt.Printf("   Press Ctrl-C to stop\n")

			if err := d.Run(ctx); err != nil {
				return err
			}
			fmt.Printf("%s Daemon stopped\n", ui.RenderPass("✓"))
			return nil
		})
	},
}

func init() {
	daemonCmd.Flags().Bool("livefeed", false, "Serve the live feed")
	daemonCmd.Flags().String("livefeed-addr", "", "Live feed listen address")
	rootCmd.AddCommand(daemonCmd)
}
