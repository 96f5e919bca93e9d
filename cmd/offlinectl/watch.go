package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/italolelis/skillbridge_offline/internal/downloader"
	"github.com/italolelis/skillbridge_offline/internal/eventbus"
	"github.com/italolelis/skillbridge_offline/pkg/client"
)

var downloadKinds = []eventbus.Kind{
	eventbus.DownloadAdded,
	eventbus.DownloadStarted,
	eventbus.DownloadProgress,
	eventbus.DownloadPaused,
	eventbus.DownloadResumed,
	eventbus.DownloadCancelled,
	eventbus.DownloadCompleted,
	eventbus.DownloadFailed,
	eventbus.DownloadRetrying,
	eventbus.DownloadRemoved,
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [download-id]",
		Short: "Stream live events, or follow one download with a progress bar",
		Long: `Without arguments, watch prints every event published by the daemon.

With a download id, watch draws a progress bar for that download and exits
once it completes, fails or is cancelled.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return followDownload(cmd, args[0])
			}

			stream, err := api.Events(cmd.Context())
			if err != nil {
				return err
			}
			defer stream.Close()

			for ev := range stream.C() {
				if flagJSON {
					if err := printJSON(os.Stdout, ev); err != nil {
						return err
					}

					continue
				}

				fmt.Println(describe(ev))
			}

			return streamErr(cmd, stream)
		},
	}
}

// followDownload renders a progress bar for one download until it reaches a
// terminal state.
func followDownload(cmd *cobra.Command, id string) error {
	ctx := cmd.Context()

	// Subscribe first so no transition between the lookup and the stream is
	// missed.
	stream, err := api.Events(ctx, downloadKinds...)
	if err != nil {
		return err
	}
	defer stream.Close()

	it, err := api.Get(ctx, id)
	if err != nil {
		return err
	}

	bar := newBar(os.Stderr, it)

	if done, err := settle(bar, it); done {
		return err
	}

	for ev := range stream.C() {
		evIt, err := ev.Item()
		if err != nil || evIt.ID != id {
			continue
		}

		if evIt.SizeBytes > 0 && bar.GetMax64() != evIt.SizeBytes {
			bar.ChangeMax64(evIt.SizeBytes)
		}

		_ = bar.Set64(evIt.DownloadedBytes)

		switch ev.Type {
		case eventbus.DownloadPaused:
			bar.Describe(describeItem(evIt) + " " + color.YellowString("(paused)"))
		case eventbus.DownloadRetrying:
			bar.Describe(describeItem(evIt) + " " + color.YellowString("(retry %d)", evIt.RetryCount))
		case eventbus.DownloadResumed, eventbus.DownloadStarted:
			bar.Describe(describeItem(evIt))
		}

		if done, err := settle(bar, evIt); done {
			return err
		}
	}

	return streamErr(cmd, stream)
}

// settle finishes the bar when it is in a terminal state.
func settle(bar *progressbar.ProgressBar, it downloader.Item) (bool, error) {
	switch it.Status {
	case downloader.StatusCompleted:
		_ = bar.Finish()
		ok("%s completed (%s)", it.ID, humanize.IBytes(uint64(max(it.DownloadedBytes, 0))))

		return true, nil
	case downloader.StatusFailed:
		_ = bar.Exit()

		return true, fmt.Errorf("download %s failed: %s", it.ID, it.Error)
	case downloader.StatusCancelled:
		_ = bar.Exit()
		warn("%s was cancelled", it.ID)

		return true, nil
	default:
		return false, nil
	}
}

func newBar(w io.Writer, it downloader.Item) *progressbar.ProgressBar {
	total := it.SizeBytes
	if total <= 0 {
		total = -1
	}

	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(describeItem(it)),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionEnableColorCodes(!color.NoColor),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)

	_ = bar.Set64(it.DownloadedBytes)

	return bar
}

func describeItem(it downloader.Item) string {
	if it.Metadata.Title != "" {
		return it.Metadata.Title
	}

	return it.ResourceID
}

// describe renders one event as a single log line.
func describe(ev client.Event) string {
	ts := ev.Timestamp.Local().Format(time.TimeOnly)
	kind := string(ev.Type)

	it, err := ev.Item()
	if err != nil || it.ID == "" {
		return fmt.Sprintf("%s %s %s", color.HiBlackString(ts), color.MagentaString(kind), string(ev.Data))
	}

	detail := ""

	switch ev.Type {
	case eventbus.DownloadProgress:
		detail = fmt.Sprintf("%.0f%% %s/s", it.ProgressPercent, humanize.IBytes(uint64(max(it.SpeedBytesPerSec, 0))))
	case eventbus.DownloadFailed, eventbus.DownloadRetrying:
		detail = color.RedString(it.Error)
	}

	return fmt.Sprintf("%s %s %s %s %s", color.HiBlackString(ts), color.MagentaString(kind), it.ID, statusColor(it.Status), detail)
}

func streamErr(cmd *cobra.Command, stream *client.EventStream) error {
	if err := stream.Err(); err != nil && cmd.Context().Err() == nil {
		return fmt.Errorf("event stream: %w", err)
	}

	return nil
}
