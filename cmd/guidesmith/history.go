package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/guidesmith/internal/history"
	"github.com/fyrsmithlabs/guidesmith/internal/status"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

var (
	historyKey   keyFlags
	historyLimit int
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyKey.bind(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of records to show")
}

// historyCmd lists recent iteration records
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent iterations of one provider and model",
	Long: `List the most recent iteration records, newest first, with their
verdicts and the evals that flipped.

Examples:
  guidesmith history --provider anthropic --model claude-3-5-haiku --limit 5`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := historyKey.key()
		if err != nil {
			return err
		}
		if historyLimit < 1 {
			return usageError(fmt.Errorf("--limit must be >= 1"))
		}
		return withApp(cmd.Context(), func(a *app) error {
			return printHistory(cmd.Context(), a, key, historyLimit, cmd.OutOrStdout())
		})
	},
}

func printHistory(ctx context.Context, a *app, key target.Key, limit int, out io.Writer) error {
	recs, err := a.hist.Recent(ctx, key, limit)
	if err != nil {
		return err
	}
	if jsonOutput {
		if recs == nil {
			recs = []history.Record{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	if len(recs) == 0 {
		_, err := fmt.Fprintf(out, "No iterations recorded for %s.\n", key)
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ITERATION\tRUN\tVERDICT\tSCORE\tFLIPS\tCHANGE")
	for _, r := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Iteration, r.RunID, r.Verdict,
			status.FormatScore(r.Passed, r.Total),
			flips(r),
			firstLine(r.DiffSummary, r.Error),
		)
	}
	return tw.Flush()
}

func flips(r history.Record) string {
	if len(r.FlippedToPass) == 0 && len(r.FlippedToFail) == 0 {
		return "-"
	}
	return fmt.Sprintf("+%d/-%d", len(r.FlippedToPass), len(r.FlippedToFail))
}

func firstLine(summary, errText string) string {
	if errText != "" {
		summary = errText
	}
	if i := strings.IndexByte(summary, '\n'); i >= 0 {
		summary = summary[:i]
	}
	if summary == "" {
		return "-"
	}
	return summary
}
