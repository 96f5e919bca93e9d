package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/italolelis/skillbridge_offline/internal/syncer"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and drive the sync engine",
	}

	cmd.AddCommand(
		newSyncNowCmd(),
		newSyncStatusCmd(),
		newSyncQueueCmd(),
		newSyncChangesCmd(),
		newSyncRetryCmd(),
		newSyncClearCmd(),
	)

	return cmd
}

func newSyncNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "now",
		Short: "Run a sync pass and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := api.SyncNow(cmd.Context())
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(os.Stdout, report)
			}

			ok("Sync finished at %s", report.LastSyncTime.Local().Format(time.DateTime))
			fmt.Printf("  uploaded %d, failed %d, conflicts resolved %d\n",
				report.Uploaded, report.Failed, len(report.Resolved))
			fmt.Printf("  updated %d resources, %d bookmarks, %d progress records\n",
				report.ResourcesUpdated, report.BookmarksUpdated, report.ProgressUpdated)

			if report.Failed > 0 {
				warn("%d changes failed to upload; see 'offlinectl sync changes'", report.Failed)
			}

			return nil
		},
	}
}

func newSyncStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the sync engine status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := api.SyncStatus(cmd.Context())
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(os.Stdout, status)
			}

			online := color.RedString("offline")
			if status.IsOnline {
				online = color.GreenString("online")
			}

			last := "never"
			if status.LastSyncTime != nil {
				last = humanize.Time(*status.LastSyncTime)
			}

			fmt.Printf("Connectivity: %s\n", online)
			fmt.Printf("In progress:  %t\n", status.SyncInProgress)
			fmt.Printf("Last sync:    %s\n", last)
			fmt.Printf("Pending:      %d\n", status.PendingChanges)
			fmt.Printf("Failed:       %d\n", status.FailedChanges)

			return nil
		},
	}
}

func newSyncQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue <type> <json>",
		Short: "Queue a local change for upload",
		Example: `  offlinectl sync queue bookmark '{"resourceId":"course-101"}'
  offlinectl sync queue progress '{"resourceId":"course-101","position":42}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("payload is not valid JSON: %s", args[1])
			}

			c, err := api.QueueChange(cmd.Context(), syncer.ChangeType(args[0]), json.RawMessage(args[1]))
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(os.Stdout, c)
			}

			ok("Queued %s change %s", c.Type, color.CyanString(c.ID))

			return nil
		},
	}
}

func newSyncChangesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "changes",
		Short: "List queued change records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			changes, err := api.Changes(cmd.Context())
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(os.Stdout, changes)
			}

			if len(changes) == 0 {
				warn("No queued changes")

				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer tw.Flush()

			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tQUEUED\tERROR")

			for _, c := range changes {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Type, changeStatusColor(c.Status), humanize.Time(c.CreatedAt), c.Error)
			}

			return nil
		},
	}
}

func newSyncRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Re-queue failed change records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := api.RetryFailed(cmd.Context())
			if err != nil {
				return err
			}

			ok("Re-queued %d failed changes", n)

			return nil
		},
	}
}

func newSyncClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued change and forget the last sync time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := api.ClearSync(cmd.Context()); err != nil {
				return err
			}

			ok("Sync data cleared")

			return nil
		},
	}
}

func changeStatusColor(s syncer.ChangeStatus) string {
	switch s {
	case syncer.StatusFailed:
		return color.RedString(string(s))
	case syncer.StatusConflict:
		return color.YellowString(string(s))
	case syncer.StatusCompleted, syncer.StatusResolved:
		return color.GreenString(string(s))
	default:
		return string(s)
	}
}

// newConnectivityCmd builds the "online" or "offline" command.
func newConnectivityCmd(online bool) *cobra.Command {
	use, short := "offline", "Tell the daemon the network is gone"
	if online {
		use, short = "online", "Tell the daemon the network is back"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			changed, err := api.SetOnline(cmd.Context(), online)
			if err != nil {
				return err
			}

			if !changed {
				warn("Daemon was already %s", use)

				return nil
			}

			ok("Daemon is now %s", use)

			return nil
		},
	}
}
