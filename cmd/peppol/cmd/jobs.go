package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/peppol-connector/internal/app"
	"github.com/rezonia/peppol-connector/internal/lifecycle"
)

var (
	batchLimit int
	pollWindow time.Duration
)

// batchCommand builds a command that runs one batch job
func batchCommand(use, short, long string, run func(ctx context.Context, svc *lifecycle.Service) (*lifecycle.BatchResult, error)) *cobra.Command {
	job := use
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := run(ctx, a.Service)
				if err != nil && res == nil {
					return err
				}
				if perr := printBatch(job, res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

var processPendingCmd = batchCommand("process-pending",
	"Retry failed sends and send due documents",
	`Recover sends interrupted by a crash, retry failed sends whose backoff has
elapsed and, with features.auto_send, send recent ledger documents that were
never sent.`,
	func(ctx context.Context, svc *lifecycle.Service) (*lifecycle.BatchResult, error) {
		return svc.ProcessPending(ctx, batchLimit)
	})

var processReceivedCmd = batchCommand("process-received",
	"Import received documents into the ledger",
	`Import received invoices and credit notes that have not been imported yet.`,
	func(ctx context.Context, svc *lifecycle.Service) (*lifecycle.BatchResult, error) {
		return svc.ProcessReceived(ctx, batchLimit)
	})

var updateStatusCmd = batchCommand("update-status",
	"Poll delivery status of sent documents",
	`Ask the provider of every sent document for its delivery status and apply
the changes.`,
	func(ctx context.Context, svc *lifecycle.Service) (*lifecycle.BatchResult, error) {
		return svc.UpdateDeliveryStatus(ctx, batchLimit)
	})

var pollNotificationsCmd = batchCommand("poll-notifications",
	"Fetch missed vendor notifications",
	`Fetch the notifications emitted in the trailing window from every configured
provider that supports polling, and apply them like webhooks.`,
	func(ctx context.Context, svc *lifecycle.Service) (*lifecycle.BatchResult, error) {
		return svc.PollNotifications(ctx, pollWindow)
	})

var cleanLogsCmd = &cobra.Command{
	Use:   "clean-logs",
	Short: "Purge old activity log entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Service.CleanOldLogs(ctx)
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				return outputJSON(cmd.OutOrStdout(), map[string]int64{"deleted": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d activity entries older than %d days\n", n, a.Config.LogRetentionDays)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{processPendingCmd, processReceivedCmd, updateStatusCmd} {
		c.Flags().IntVar(&batchLimit, "limit", 0, "Maximum documents per run (default jobs.batch_limit)")
		rootCmd.AddCommand(c)
	}
	pollNotificationsCmd.Flags().DurationVar(&pollWindow, "window", 0, "Trailing window to fetch (default jobs.poll_window)")
	rootCmd.AddCommand(pollNotificationsCmd, cleanLogsCmd)
}
