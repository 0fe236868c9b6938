package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/trackflow/featsync/internal/app"
	"github.com/trackflow/featsync/internal/remote"
	"github.com/trackflow/featsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run sync in the foreground",
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Push queued changes and pull your features now",
	Long: `Push every claimable queued operation to the remote store, then pull
the current user's features. Operations that fail are retried later with
backoff, exactly as background sync would.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if _, err := a.Remote.CheckCompatible(ctx); err != nil {
				return fmt.Errorf("remote store unavailable, changes stay queued: %w", err)
			}

			start := time.Now()
			fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), a.Config.Remote.URL)

			drained, err := a.Syncer.Drain(ctx)
			fmt.Printf("   Pushed: %d applied, %d failed, %d dead-lettered\n",
				drained.Applied, drained.Failed, drained.DeadLettered)
			if err != nil {
				return err
			}

			if a.Config.User != "" {
				pulled, err := a.Syncer.RefreshOwner(ctx, a.Config.User)
				if err != nil {
					return err
				}
				fmt.Printf("   Pulled: %d fetched, %d updated, %d kept local\n",
					pulled.Fetched, pulled.Updated, pulled.Skipped)
			}

			stats, err := a.Queue.Stats(ctx)
			if err != nil {
				return err
			}
			mark := ui.RenderPass("✓")
			if drained.Failed > 0 || stats.Dead > 0 {
				mark = ui.RenderWarn("⚠")
			}
			fmt.Printf("%s Sync complete in %v (%d pending, %d dead)\n",
				mark, time.Since(start).Round(time.Millisecond), stats.Pending, stats.Dead)
			return nil
		})
	},
}

var syncHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the remote store is reachable and compatible",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			h, err := a.Remote.CheckCompatible(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s is up (api %s, client api %s)\n",
				ui.RenderPass("✓"), a.Config.Remote.URL, h.APIVersion, remote.APIVersion)
			return nil
		})
	},
}

func init() {
	syncCmd.AddCommand(syncNowCmd, syncHealthCmd)
	rootCmd.AddCommand(syncCmd)
}
