package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/italolelis/skillbridge_offline/internal/downloader"
	"github.com/italolelis/skillbridge_offline/pkg/client"
)

func newEnqueueCmd() *cobra.Command {
	var (
		url      string
		size     int64
		title    string
		kind     string
		priority string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <resource-id>",
		Short: "Queue a resource for offline download",
		Example: `  offlinectl enqueue course-101 --url /api/resources/course-101/file
  offlinectl enqueue intro-video --url https://cdn.example.com/intro.mp4 --priority high`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := downloader.ParsePriority(priority)
			if err != nil {
				return err
			}

			id, err := api.Enqueue(cmd.Context(), client.EnqueueRequest{
				Resource: downloader.Resource{
					ID:   args[0],
					URL:  url,
					Size: size,
					Metadata: downloader.Metadata{
						Title: title,
						Type:  kind,
					},
				},
				Priority: p,
			})
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(os.Stdout, map[string]string{"id": id})
			}

			ok("Queued %s as %s", args[0], color.CyanString(id))

			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Source URL of the resource (required)")
	cmd.Flags().Int64Var(&size, "size", 0, "Expected size in bytes")
	cmd.Flags().StringVar(&title, "title", "", "Display title")
	cmd.Flags().StringVar(&kind, "type", "", "Resource type, e.g. video or pdf")
	cmd.Flags().StringVar(&priority, "priority", "normal", "Scheduling priority: high, normal or low")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

func newListCmd() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List downloads",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := api.List(cmd.Context(), state)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(os.Stdout, items)
			}

			if len(items) == 0 {
				warn("No downloads")

				return nil
			}

			printItems(os.Stdout, items)

			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter: active, queued, completed or failed")

	return cmd
}

func newPauseCmd() *cobra.Command {
	return newControlCmd("pause", "Pause downloads", pauseDownload)
}

func newResumeCmd() *cobra.Command {
	return newControlCmd("resume", "Resume paused or failed downloads", resumeDownload)
}

func newControlCmd(use, short string, op controlOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <download-id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0

			for _, id := range args {
				it, err := op(cmd, id)
				if err != nil {
					warn("%s: %v", id, err)
					failed++

					continue
				}

				ok("%s is %s", id, statusColor(it.Status))
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d downloads failed to %s", failed, len(args), use)
			}

			return nil
		},
	}
}

type controlOp func(cmd *cobra.Command, id string) (downloader.Item, error)

func pauseDownload(cmd *cobra.Command, id string) (downloader.Item, error) {
	return api.Pause(cmd.Context(), id)
}

func resumeDownload(cmd *cobra.Command, id string) (downloader.Item, error) {
	return api.Resume(cmd.Context(), id)
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <download-id>...",
		Short: "Cancel downloads and discard their data",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := api.Cancel(cmd.Context(), id); err != nil {
					return fmt.Errorf("cancel %s: %w", id, err)
				}

				ok("Cancelled %s", id)
			}

			return nil
		},
	}
}

func newStorageCmd() *cobra.Command {
	var cleanupDays int

	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Show local storage usage, optionally removing old downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			if cmd.Flags().Changed("cleanup") {
				removed, err := api.Cleanup(ctx, cleanupDays)
				if err != nil {
					return err
				}

				ok("Removed %d downloads older than %d days", removed, cleanupDays)
			}

			info, err := api.StorageInfo(ctx)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(os.Stdout, info)
			}

			fmt.Printf("Files:     %d (%s)\n", info.TotalFiles, humanize.IBytes(uint64(max(info.TotalSize, 0))))
			fmt.Printf("Used:      %s\n", humanize.IBytes(info.UsedStorage))
			fmt.Printf("Available: %s of %s\n", humanize.IBytes(info.AvailableStorage), humanize.IBytes(info.TotalStorage))

			return nil
		},
	}

	cmd.Flags().IntVar(&cleanupDays, "cleanup", 30, "Remove completed downloads older than this many days")

	return cmd
}

func printItems(w io.Writer, items []downloader.Item) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tRESOURCE\tSTATUS\tPRIORITY\tPROGRESS\tSIZE\tTITLE")

	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			it.ID,
			it.ResourceID,
			statusColor(it.Status),
			it.Priority,
			it.ProgressPercent,
			humanize.IBytes(uint64(max(it.SizeBytes, 0))),
			it.Metadata.Title,
		)
	}
}

func statusColor(s downloader.Status) string {
	switch s {
	case downloader.StatusCompleted:
		return color.GreenString(string(s))
	case downloader.StatusFailed, downloader.StatusCancelled:
		return color.RedString(string(s))
	case downloader.StatusDownloading:
		return color.CyanString(string(s))
	case downloader.StatusPaused, downloader.StatusRetrying:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
