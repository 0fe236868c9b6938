package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"github.com/trackflow/featsync/internal/app"
	"github.com/trackflow/featsync/internal/queue"
	"github.com/trackflow/featsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Aliases: []string{"q"},
	GroupID: "sync",
	Short:   "Inspect and repair the pending operation queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if err := validFormat(format); err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			stats, err := a.Queue.Stats(ctx)
			if err != nil {
				return err
			}
			if format != formatTable {
				return encode(os.Stdout, format, stats)
			}

			fmt.Printf("\n%s Pending operation queue\n\n", ui.RenderAccent("●"))
			fmt.Printf("   Pending: %d\n", stats.Pending)
			fmt.Printf("   Claimed: %d\n", stats.Claimed)
			if stats.Dead > 0 {
				fmt.Printf("   Dead:    %s\n", ui.RenderFail(fmt.Sprint(stats.Dead)))
			} else {
				fmt.Printf("   Dead:    0\n")
			}
			if stats.Oldest != nil {
				fmt.Printf("   Oldest:  %s (%s ago)\n",
					stats.Oldest.Local().Format(time.DateTime),
					time.Since(*stats.Oldest).Round(time.Second))
			}
			if stats.Dead > 0 {
				fmt.Printf("\n   Run 'featsync queue deadletters' to inspect failures\n")
			}
			fmt.Println()
			return nil
		})
	},
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queued operations in drain order",
	Example: `  featsync queue list --status pending
  featsync queue list --since "2 hours ago" --limit 20`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if err := validFormat(format); err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		sinceText, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")

		opts := queue.ListOptions{Status: queue.Status(status), Limit: limit}
		switch opts.Status {
		case "", queue.StatusPending, queue.StatusClaimed, queue.StatusDead:
		default:
			return fmt.Errorf("unknown status %q (want pending, claimed or dead)", status)
		}
		if sinceText != "" {
			since, err := parseSince(sinceText, time.Now())
			if err != nil {
				return err
			}
			opts.Since = since
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			ops, err := a.Queue.List(ctx, opts)
			if err != nil {
				return err
			}
			return writeOperations(format, ops)
		})
	},
}

var queueDeadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dead"},
	Short:   "List operations that exhausted their retries",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if err := validFormat(format); err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			ops, err := a.Queue.DeadLetters(ctx)
			if err != nil {
				return err
			}
			if err := writeOperations(format, ops); err != nil {
				return err
			}
			if format == formatTable && len(ops) > 0 {
				fmt.Printf("\nRetry with 'featsync queue retry <id>' or 'featsync queue retry --all'\n")
			}
			return nil
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Return dead-lettered operations to the queue",
	Long: `Return a dead-lettered operation, or all of them with --all, to the
pending queue with a fresh attempt budget, then trigger a drain.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			return fmt.Errorf("pass exactly one of <id> or --all")
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n := 1
			if all {
				var err error
				if n, err = a.Queue.RequeueAllDead(ctx); err != nil {
					return err
				}
			} else if err := a.Queue.Requeue(ctx, args[0]); err != nil {
				return err
			}

			if n == 0 {
				fmt.Println(ui.RenderMuted("no dead-lettered operations"))
				return nil
			}
			a.Coordinator.TriggerBackgroundSync(a.Keys.Drain())
			fmt.Printf("%s Requeued %d operation(s)\n", ui.RenderPass("✓"), n)
			return nil
		})
	},
}

func writeOperations(format string, ops []queue.Operation) error {
	if format != formatTable {
		if ops == nil {
			ops = []queue.Operation{}
		}
		return encode(os.Stdout, format, ops)
	}
	writeOperationRows(os.Stdout, ops)
	return nil
}

// parseSince accepts natural language ("2 hours ago", "yesterday"), an
// RFC 3339 timestamp, or a Go duration counted back from now.
func parseSince(text string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: not a time", text)
	}
	return r.Time, nil
}

func init() {
	for _, c := range []*cobra.Command{queueStatusCmd, queueListCmd, queueDeadLettersCmd} {
		c.Flags().String("format", formatTable, "Output format: table, json or yaml")
	}
	queueListCmd.Flags().String("status", "", "Only show operations with this status: pending, claimed or dead")
	queueListCmd.Flags().String("since", "", `Only show operations enqueued since ("2 hours ago", "1h", RFC 3339)`)
	queueListCmd.Flags().Int("limit", 50, "Maximum operations to show (0 for all)")
	queueRetryCmd.Flags().Bool("all", false, "Requeue every dead-lettered operation")

	queueCmd.AddCommand(queueStatusCmd, queueListCmd, queueDeadLettersCmd, queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}
