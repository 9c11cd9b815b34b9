package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

// RunLogPath returns where the log of run runID for key is mirrored.
func RunLogPath(dir string, key target.Key, runID string) string {
	return filepath.Join(dir, "runs", key.Slug(), runID, "orchestrator.log")
}

// EvalOutputPath returns where attempt n of the evaluation at iteration
// is kept for run runID of key.
func EvalOutputPath(dir string, key target.Key, runID string, iteration, n int) string {
	return filepath.Join(evalRoot(dir, key, runID), iterationDir(iteration), fmt.Sprintf("run-%d", n))
}

func evalRoot(dir string, key target.Key, runID string) string {
	return filepath.Join(dir, "runs", key.Slug(), runID, "evals")
}

func iterationDir(iteration int) string {
	return fmt.Sprintf("%08d", iteration)
}

// PruneRunLogs removes the run log directories of key beyond the newest
// keep. Run IDs sort by start time, so the newest are the last names.
func PruneRunLogs(dir string, key target.Key, keep int) (int, error) {
	root := filepath.Join(dir, "runs", key.Slug())
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list run logs: %w", err)
	}

	var runs []string
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, e.Name())
		}
	}
	sort.Strings(runs)
	if keep < 0 {
		keep = 0
	}
	if len(runs) <= keep {
		return 0, nil
	}

	removed := 0
	for _, name := range runs[:len(runs)-keep] {
		if err := os.RemoveAll(filepath.Join(root, name)); err != nil {
			return removed, fmt.Errorf("remove run log %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}
