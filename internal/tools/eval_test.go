package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/guidesmith/internal/evaluator"
	"github.com/fyrsmithlabs/guidesmith/internal/guidelines"
	"github.com/fyrsmithlabs/guidesmith/internal/history"
	"github.com/fyrsmithlabs/guidesmith/internal/kv"
)

// newEvalSurface returns a surface whose kept evaluation failed
// 002-queries/001-index and 002-queries/002-json.
func newEvalSurface(t *testing.T) (*Surface, string) {
	t.Helper()
	ctx := context.Background()
	store, err := kv.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	out := t.TempDir()
	logs := map[string]string{
		"002-queries/001-index": "bundling\nError: q.range is not a function\n",
		"002-queries/002-json":  "TypeError: v.json is not a function\n",
	}
	for name, content := range logs {
		dir := filepath.Join(out, "output", key.Model, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(dir, 0o700))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "run.log"), []byte(content), 0o600))
	}

	reports := evaluator.NewReports(store)
	require.NoError(t, reports.Save(ctx, evaluator.NewReport(key, "run-1", 4, evaluator.Evaluation{
		Passed: 1, Failed: 2, Total: 3, OutputDir: out,
		Results: map[string]bool{
			"001-basic/001-ok":      true,
			"002-queries/001-index": false,
			"002-queries/002-json":  false,
		},
	})))

	s, err := NewSurface(key, guidelines.NewStore(store), history.NewLog(store),
		WithReports(reports), WithWorkDir("/suite"))
	require.NoError(t, err)
	return s, out
}

func TestEvalSummary(t *testing.T) {
	s, out := newEvalSurface(t)

	sum, err := s.EvalSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Iteration)
	assert.Equal(t, "run-1", sum.RunID)
	assert.Equal(t, 1, sum.Passed)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, []string{"002-queries/001-index", "002-queries/002-json"}, sum.Failing)
	assert.Equal(t, out, sum.OutputDir)
}

func TestEvalMethods_NoReport(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestSurface(t)

	_, err := s.EvalSummary(ctx)
	assert.ErrorIs(t, err, ErrNoEvalReport)
	_, err = s.FailurePatterns(ctx)
	assert.ErrorIs(t, err, ErrNoEvalReport)

	store, err := kv.NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	s, err = NewSurface(key, guidelines.NewStore(store), history.NewLog(store), WithReports(evaluator.NewReports(store)))
	require.NoError(t, err)
	_, err = s.FailedEvalDetails(ctx)
	assert.ErrorIs(t, err, ErrNoEvalReport)
}

func TestFailedEvalDetails(t *testing.T) {
	s, out := newEvalSurface(t)

	details, err := s.FailedEvalDetails(context.Background())
	require.NoError(t, err)
	require.Len(t, details, 2)
	assert.Equal(t, "002-queries/001-index", details[0].Name)
	assert.False(t, details[0].Passed)
	assert.Equal(t, filepath.Join("/suite", "evals", "002-queries", "001-index", "TASK.txt"), details[0].TaskPath)
	assert.Equal(t, filepath.Join(out, "output", key.Model, "002-queries", "001-index", "run.log"), details[0].RunLogPath)
}

func TestRunLogError(t *testing.T) {
	ctx := context.Background()
	s, _ := newEvalSurface(t)

	got, err := s.RunLogError(ctx, "002-queries/001-index")
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.Equal(t, "Error: q.range is not a function", got.Text)

	_, err = s.RunLogError(ctx, "001-basic/001-ok")
	assert.ErrorIs(t, err, evaluator.ErrNoRunLog)

	_, err = s.RunLogError(ctx, "../../etc/passwd")
	assert.Error(t, err)
}

func TestFailurePatterns(t *testing.T) {
	s, _ := newEvalSurface(t)

	groups, err := s.FailurePatterns(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "wrong index range API", groups[0].Pattern)
	assert.Equal(t, []string{"002-queries/001-index"}, groups[0].Evals)
	assert.Equal(t, "v.json() does not exist", groups[1].Pattern)
}
