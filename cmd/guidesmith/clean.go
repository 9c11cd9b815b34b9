package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guidesmith/internal/orchestrator"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

var cleanKeep int

func init() {
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().IntVar(&cleanKeep, "keep", 5, "archives and run logs to keep per pair")
}

// cleanCmd prunes old artifacts and stale locks
var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Prune old archives, run logs and stale locks",
	Long: `Keep the newest N archived documents and run logs per pair and delete
lock records whose holder is no longer running. Live locks, working
documents and checkpoints are never touched.

Examples:
  guidesmith clean --keep 3`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cleanKeep < 0 {
			return usageError(fmt.Errorf("--keep must be >= 0"))
		}
		return withApp(cmd.Context(), func(a *app) error {
			report, err := clean(cmd.Context(), a, cleanKeep)
			if err != nil {
				return err
			}
			return printClean(cmd.OutOrStdout(), report)
		})
	},
}

// cleanReport counts what clean removed, per pair.
type cleanReport struct {
	Pairs []cleanedPair `json:"pairs"`
}

type cleanedPair struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	Archives       int    `json:"archives_removed"`
	RunLogs        int    `json:"run_logs_removed"`
	StaleLockFreed bool   `json:"stale_lock_removed"`
}

func clean(ctx context.Context, a *app, keep int) (cleanReport, error) {
	keys, err := target.Known(ctx, a.store)
	if err != nil {
		return cleanReport{}, err
	}
	report := cleanReport{Pairs: make([]cleanedPair, 0, len(keys))}
	for _, k := range keys {
		p := cleanedPair{Provider: k.Provider, Model: k.Model}

		if p.Archives, err = a.docs.PruneArchives(ctx, k, keep); err != nil {
			return report, fmt.Errorf("prune archives %s: %w", k, err)
		}
		if p.RunLogs, err = orchestrator.PruneRunLogs(a.cfg.Storage.Path, k, keep); err != nil {
			return report, fmt.Errorf("prune run logs %s: %w", k, err)
		}
		if p.StaleLockFreed, err = a.locks.ReclaimStale(ctx, k); err != nil {
			return report, fmt.Errorf("reclaim lock %s: %w", k, err)
		}

		a.logger.Info(ctx, "cleaned",
			zap.String("key", k.String()),
			zap.Int("archives", p.Archives),
			zap.Int("run_logs", p.RunLogs),
			zap.Bool("stale_lock", p.StaleLockFreed),
		)
		report.Pairs = append(report.Pairs, p)
	}
	return report, nil
}

func printClean(out io.Writer, report cleanReport) error {
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	var archives, logs, locks int
	for _, p := range report.Pairs {
		archives += p.Archives
		logs += p.RunLogs
		if p.StaleLockFreed {
			locks++
			fmt.Fprintf(out, "Removed stale lock for %s/%s\n", p.Provider, p.Model)
		}
	}
	_, err := fmt.Fprintf(out, "Removed %d archive(s), %d run log(s), %d stale lock(s) across %d pair(s).\n",
		archives, logs, locks, len(report.Pairs))
	return err
}
