package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/guidesmith/internal/status"
)

var (
	statusKey   keyFlags
	statusWatch bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusKey.bind(statusCmd)
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "re-render on store changes (file backend only)")
}

// statusCmd reports every known pair
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every provider and model",
	Long: `Show whether each known (provider, model) pair is running, paused,
complete or not started, together with its best score so far.

Examples:
  # All pairs
  guidesmith status

  # One pair as JSON
  guidesmith status --provider openai --model gpt-4o --json

  # Keep the table current while runs progress
  guidesmith status --watch`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			out := cmd.OutOrStdout()
			if !statusWatch {
				return printStatus(cmd.Context(), a, out)
			}
			if a.cfg.Storage.Backend != "file" {
				return usageError(fmt.Errorf("--watch requires the file storage backend"))
			}
			render := func() {
				fmt.Fprint(out, "\033[H\033[2J")
				if err := printStatus(cmd.Context(), a, out); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
				}
			}
			render()
			return status.Watch(cmd.Context(), a.cfg.Storage.Path, status.DefaultDebounce, a.logger, render)
		})
	},
}

func printStatus(ctx context.Context, a *app, out io.Writer) error {
	var (
		statuses []status.KeyStatus
		err      error
	)
	reporter := a.reporter()
	if statusKey.optional() {
		key, kerr := statusKey.key()
		if kerr != nil {
			return kerr
		}
		st, kerr := reporter.Key(ctx, key)
		if kerr != nil {
			return kerr
		}
		statuses = []status.KeyStatus{st}
	} else {
		statuses, err = reporter.All(ctx)
		if err != nil {
			return err
		}
	}

	if jsonOutput {
		return status.WriteJSON(out, statuses)
	}
	return status.WriteTable(out, statuses, time.Now())
}
