// Command offlinectl drives a running offline content daemon from the shell.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/italolelis/skillbridge_offline/pkg/client"
)

var (
	api *client.Client

	flagAddr    string
	flagTimeout time.Duration
	flagNoColor bool
	flagJSON    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "offlinectl",
		Short: "Manage offline downloads and sync of a running daemon",
		Long: `offlinectl talks to the offline content daemon over its HTTP API.

It queues and controls downloads, inspects local storage, forces sync passes
and pushes the connectivity signal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if flagNoColor || !isTTY() {
				color.NoColor = true
			}

			var err error

			api, err = client.New(flagAddr, &http.Client{Timeout: flagTimeout})

			return err
		},
	}

	addr := os.Getenv("OFFLINECTL_ADDR")
	if addr == "" {
		addr = "http://localhost:9091"
	}

	root.PersistentFlags().StringVar(&flagAddr, "addr", addr, "Daemon base URL (env OFFLINECTL_ADDR)")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "Request timeout")
	root.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "Print machine-readable JSON")

	root.AddCommand(
		newEnqueueCmd(),
		newListCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newCancelCmd(),
		newStorageCmd(),
		newWatchCmd(),
		newSyncCmd(),
		newConnectivityCmd(true),
		newConnectivityCmd(false),
	)

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		stop()
		os.Exit(1)
	}
}

// isTTY returns true if stdout is a terminal.
func isTTY() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}

	return (fi.Mode() & os.ModeCharDevice) != 0
}

// ok prints a green success line.
func ok(format string, a ...any) {
	fmt.Println(color.GreenString("✓"), fmt.Sprintf(format, a...))
}

// warn prints a yellow warning line.
func warn(format string, a ...any) {
	fmt.Fprintln(os.Stderr, color.YellowString("!"), fmt.Sprintf(format, a...))
}
