package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/trackflow/featsync/internal/app"
	"github.com/trackflow/featsync/internal/ui"
	"github.com/trackflow/featsync/internal/usecase"
)

var featureCmd = &cobra.Command{
	Use:     "feature",
	Aliases: []string{"f"},
	GroupID: "features",
	Short:   "Read and change features",
	Long: `Read and change features in the local repository.

Reads return the local copy immediately and schedule a refresh from the
remote store. Writes are stored locally, queued, and pushed in the
background.`,
}

var featureGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one feature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")
		format, _ := cmd.Flags().GetString("format")
		if err := validFormat(format); err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			f, err := a.Features.GetFeatureByID(ctx, args[0])
			if refresh {
				// The read above scheduled the refresh; wait for it and read again.
				waitForSync(ctx, a)
				f, err = a.Features.GetFeatureByID(ctx, args[0])
			}
			if err != nil {
				return err
			}
			if format != formatTable {
				return encode(os.Stdout, format, f.ToFields())
			}
			writeFeature(os.Stdout, f)
			return nil
		})
	},
}

var featureListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List your features",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")
		format, _ := cmd.Flags().GetString("format")
		if err := validFormat(format); err != nil {
			return err
		}
		user, err := requireUser()
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if refresh {
				a.Coordinator.TriggerBackgroundSync(a.Keys.Owner(user))
				waitForSync(ctx, a)
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			updates, err := a.Features.WatchFeaturesByUser(ctx, user)
			if err != nil {
				return err
			}
			u, ok := <-updates
			if !ok {
				return ctx.Err()
			}
			if u.Err != nil {
				return u.Err
			}
			if format != formatTable {
				return encode(os.Stdout, format, featureFields(u.Features))
			}
			writeFeatureRows(os.Stdout, u.Features)
			return nil
		})
	},
}

var featureCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a feature",
	Long: `Create a feature owned by the current user.

Without a name on an interactive terminal, featsync prompts for the name
and description.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := requireUser()
		if err != nil {
			return err
		}
		in := ui.FeatureInput{}
		in.Description, _ = cmd.Flags().GetString("description")
		if len(args) == 1 {
			in.Name = args[0]
		}
		if in.Name == "" {
			if err := ui.PromptFeature(&in); err != nil {
				if errors.Is(err, ui.ErrNotInteractive) {
					return fmt.Errorf("a name is required when not running interactively")
				}
				return err
			}
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			f, err := a.Features.CreateFeature(ctx, usecase.CreateParams{
				Name:        in.Name,
				Description: in.Description,
				UserID:      user,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s Created %s %s\n", ui.RenderPass("✓"), ui.RenderBold(f.Name), ui.RenderMuted(f.ID))
			return nil
		})
	},
}

var featureUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change a feature's name or description",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := requireUser()
		if err != nil {
			return err
		}
		p := usecase.UpdateParams{ID: args[0], UserID: user}
		if cmd.Flags().Changed("name") {
			name, _ := cmd.Flags().GetString("name")
			p.Name = &name
		}
		if cmd.Flags().Changed("description") {
			desc, _ := cmd.Flags().GetString("description")
			p.Description = &desc
		}
		if p.Name == nil && p.Description == nil {
			return fmt.Errorf("nothing to update: pass --name or --description")
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			f, err := a.Features.UpdateFeature(ctx, p)
			if err != nil {
				return err
			}
			fmt.Printf("%s Updated %s %s\n", ui.RenderPass("✓"), ui.RenderBold(f.Name), ui.RenderMuted(f.ID))
			return nil
		})
	},
}

var featureDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a feature",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := requireUser()
		if err != nil {
			return err
		}
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			ok, err := ui.Confirm(fmt.Sprintf("Delete feature %s?", args[0]))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("not deleted: confirm interactively or pass --yes")
			}
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Features.DeleteFeature(ctx, usecase.DeleteParams{ID: args[0], UserID: user}); err != nil {
				return err
			}
			fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), args[0])
			return nil
		})
	},
}

var featureWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print your features every time they change",
	Long: `Print your features every time the local copy changes, including
changes pulled in by background sync. Stop with Ctrl-C.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := requireUser()
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			updates, err := a.Features.WatchFeaturesByUser(ctx, user)
			if err != nil {
				return err
			}
			for u := range updates {
				if u.Err != nil {
					fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderWarn("⚠"), u.Err)
					continue
				}
				fmt.Printf("%s %s\n", ui.RenderAccent("●"), ui.RenderMuted(time.Now().Format(time.TimeOnly)))
				writeFeatureRows(os.Stdout, u.Features)
				fmt.Println()
			}
			return nil
		})
	},
}

// waitForSync waits for background sync to go idle, bounded by the remote
// timeout so an unreachable remote does not hang the command.
func waitForSync(ctx context.Context, a *app.App) {
	ctx, cancel := context.WithTimeout(ctx, a.Config.Remote.Timeout)
	defer cancel()
	if err := a.Coordinator.Wait(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s remote did not answer in time, showing the local copy\n", ui.RenderWarn("⚠"))
	}
}

func init() {
	for _, c := range []*cobra.Command{featureGetCmd, featureListCmd} {
		c.Flags().Bool("refresh", false, "Wait for the remote refresh before printing")
		c.Flags().String("format", formatTable, "Output format: table, json or yaml")
	}
	featureCreateCmd.Flags().StringP("description", "d", "", "Feature description")
	featureUpdateCmd.Flags().StringP("name", "n", "", "New name")
	featureUpdateCmd.Flags().StringP("description", "d", "", "New description")
	featureDeleteCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	featureCmd.AddCommand(featureGetCmd, featureListCmd, featureCreateCmd,
		featureUpdateCmd, featureDeleteCmd, featureWatchCmd)
	rootCmd.AddCommand(featureCmd)
}
