package evaluator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/guidesmith/internal/kv"
)

func writeRunLog(t *testing.T, outputDir, model, name, content string) {
	t.Helper()
	dir := filepath.Join(outputDir, "output", model, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.log"), []byte(content), 0o600))
}

func TestClassifyErrorPattern(t *testing.T) {
	tests := []struct {
		lines string
		want  string
	}{
		{"TypeError: v.json is not a function", "v.json() does not exist"},
		{"TypeError: a.dict is not a function", "v.dict() does not exist"},
		{`Error: "use node" files may not export a Mutation`, `mutations in "use node" file`},
		{`"use node" is not allowed in this file`, `"use node" not allowed`},
		{"Validator error: missing field pageStatus", "pagination returns validator incomplete"},
		{"Property 'search' does not exist on type", "wrong text search API"},
		{"q.range is not a function", "wrong index range API"},
		{"Type 'null' is not assignable to type 'string'", "nullable return type not handled"},
		{strings.Repeat("x", 100) + "\nsecond", strings.Repeat("x", 80)},
		{"", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyErrorPattern(tt.lines), "lines %q", tt.lines)
	}
}

func TestReport_GroupFailures(t *testing.T) {
	out := t.TempDir()
	writeRunLog(t, out, "gpt-4o", "001-basic/002-json", "start\nTypeError: v.json is not a function\n")
	writeRunLog(t, out, "gpt-4o", "002-queries/003-index", "Error: q.range is not a function\n")
	writeRunLog(t, out, "gpt-4o", "003-actions/001-json", "compile\nerror: v.json is not a function\n")

	r := Report{Model: "gpt-4o", OutputDir: out, Results: map[string]bool{
		"001-basic/001-ok":      true,
		"001-basic/002-json":    false,
		"002-queries/003-index": false,
		"003-actions/001-json":  false,
		"004-missing/001-log":   false,
	}}

	groups := r.GroupFailures()
	require.Len(t, groups, 2)
	assert.Equal(t, "v.json() does not exist", groups[0].Pattern)
	assert.Equal(t, 2, groups[0].Count)
	assert.Equal(t, "001-basic/002-json", groups[0].Representative)
	assert.Equal(t, []string{"001-basic/002-json", "003-actions/001-json"}, groups[0].Evals)
	assert.Equal(t, "TypeError: v.json is not a function", groups[0].SampleError)
	assert.Equal(t, "wrong index range API", groups[1].Pattern)

	assert.Nil(t, Report{Results: r.Results}.GroupFailures())
}

func TestReport_RunLogError(t *testing.T) {
	out := t.TempDir()
	writeRunLog(t, out, "m", "a/err", "setup\nReferenceError: x is not defined\nteardown\n")
	writeRunLog(t, out, "m", "a/quiet", "one\ntwo\nthree\n")
	r := Report{Model: "m", OutputDir: out}

	text, found, err := r.RunLogError("a/err")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "ReferenceError: x is not defined", text)

	text, found, err = r.RunLogError("a/quiet")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "one\ntwo\nthree", text)

	_, _, err = r.RunLogError("a/none")
	assert.ErrorIs(t, err, ErrNoRunLog)
}

func TestReport_Details(t *testing.T) {
	r := Report{Model: "m", OutputDir: "/runs/x/eval_output", Results: map[string]bool{"002-queries/009-text": false}}

	d, err := r.Details("/suite", "002-queries/009-text")
	require.NoError(t, err)
	assert.False(t, d.Passed)
	assert.Equal(t, filepath.Join("/suite", "evals", "002-queries", "009-text", "TASK.txt"), d.TaskPath)
	assert.Equal(t, filepath.Join("/suite", "evals", "002-queries", "009-text", "answer", "convex"), d.ExpectedDir)
	assert.Equal(t, filepath.Join("/runs/x/eval_output", "output", "m", "002-queries", "009-text", "convex"), d.GeneratedDir)
	assert.Equal(t, filepath.Join("/runs/x/eval_output", "output", "m", "002-queries", "009-text", "run.log"), d.RunLogPath)

	d, err = r.Details("", "002-queries/009-text")
	require.NoError(t, err)
	assert.Empty(t, d.TaskPath)

	_, err = r.Details("/suite", "nope")
	assert.Error(t, err)
}

func TestReports_SaveLoad(t *testing.T) {
	ctx := context.Background()
	store, err := kv.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	reports := NewReports(store)

	_, ok, err := reports.Load(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, ok)

	ev := Evaluation{Passed: 1, Failed: 1, Total: 2, Results: map[string]bool{"a": true, "b": false}, OutputDir: "/out"}
	require.NoError(t, reports.Save(ctx, NewReport(testKey, "run-1", 3, ev)))

	got, ok, err := reports.Load(ctx, testKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 3, got.Iteration)
	assert.Equal(t, "claude-3", got.Model)
	assert.Equal(t, "/out", got.OutputDir)
	assert.Equal(t, []string{"b"}, got.Failing())

	require.NoError(t, reports.Delete(ctx, testKey))
	_, ok, err = reports.Load(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, ok)
}
