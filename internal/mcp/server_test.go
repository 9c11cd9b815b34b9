package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/guidesmith/internal/evaluator"
	"github.com/fyrsmithlabs/guidesmith/internal/guidelines"
	"github.com/fyrsmithlabs/guidesmith/internal/history"
	"github.com/fyrsmithlabs/guidesmith/internal/kv"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
	"github.com/fyrsmithlabs/guidesmith/internal/telemetry"
	"github.com/fyrsmithlabs/guidesmith/internal/tools"
)

var testKey = target.Key{Provider: "anthropic", Model: "claude-3-5-haiku"}

type testEnv struct {
	session *mcp.ClientSession
	store   *kv.FileStore
	docs    *guidelines.Store
	hist    *history.Log
	tel     *telemetry.TestTelemetry
	server  *Server
}

func newTestEnv(t *testing.T, opts ...tools.Option) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := kv.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	docs := guidelines.NewStore(store)
	hist := history.NewLog(store)

	opts = append([]tools.Option{tools.WithReports(evaluator.NewReports(store))}, opts...)
	surface, err := tools.NewSurface(testKey, docs, hist, opts...)
	require.NoError(t, err)

	tel := telemetry.NewTestTelemetry()
	cfg := DefaultConfig()
	cfg.Meter = tel.Meter("test")
	srv, err := NewServer(cfg, surface)
	require.NoError(t, err)

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, serverTransport)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-agent", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return &testEnv{session: cs, store: store, docs: docs, hist: hist, tel: tel, server: srv}
}

func (e *testEnv) call(t *testing.T, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := e.session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	if out != nil && !res.IsError {
		data, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, out))
	}
	return res
}

func TestNewServer_RequiresSurface(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.Error(t, err)
}

func TestServer_ListsTools(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.session.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		toolReadWorking, toolHistory, toolTokens, toolPropose,
		toolEvalSummary, toolFailedDetails, toolRunLogError, toolGroupFailures,
	}, names)

	meta := env.server.Tools()
	require.Len(t, meta, 8)
	assert.Equal(t, toolTokens, meta[0].Name)
}

func TestReadWorkingTool(t *testing.T) {
	env := newTestEnv(t, tools.WithSeed("# Seed"))

	var out readWorkingOutput
	res := env.call(t, toolReadWorking, map[string]any{}, &out)
	require.False(t, res.IsError)
	assert.Equal(t, "seed", out.Source)
	assert.Equal(t, "# Seed", out.Content)
	assert.Equal(t, "anthropic", out.Provider)

	require.NoError(t, env.docs.WriteWorking(context.Background(), testKey, "## Draft\n- rule"))
	env.call(t, toolReadWorking, map[string]any{}, &out)
	assert.Equal(t, "working", out.Source)
	assert.Equal(t, "## Draft\n- rule", out.Content)

	assert.Equal(t, int64(2), env.tel.CounterValue(t, "guidesmith.mcp.tool.invocations_total",
		attribute.String("tool", toolReadWorking)))
}

func TestHistoryTool(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, env.hist.Append(ctx, history.Record{
			Key: testKey, Iteration: i, RunID: "run-a", Verdict: history.VerdictRegressed,
			Feedback: history.Feedback{Category: "syntax", Remedy: "close braces"},
		}))
	}

	var out historyOutput
	env.call(t, toolHistory, map[string]any{"limit": 2}, &out)
	require.Equal(t, 2, out.Count)
	assert.Equal(t, 3, out.Records[0].Iteration)
	assert.Equal(t, "regressed", out.Records[0].Verdict)
	assert.Equal(t, "close braces", out.Records[1].Feedback.Remedy)
}

func TestTokensTool(t *testing.T) {
	env := newTestEnv(t)

	var out tokensOutput
	env.call(t, toolTokens, map[string]any{"text": strings.Repeat("a", 40)}, &out)
	assert.Equal(t, 10, out.Tokens)
	assert.Equal(t, 40, out.Bytes)
}

func TestProposeTool(t *testing.T) {
	env := newTestEnv(t, tools.WithMaxProposalBytes(64))
	ctx := context.Background()

	var out proposeOutput
	res := env.call(t, toolPropose, map[string]any{"content": "## Rules\n- be precise", "rationale": "fixes eval_03"}, &out)
	require.False(t, res.IsError)
	assert.True(t, out.Accepted)
	assert.False(t, out.Redacted)

	p, ok, err := env.docs.TakeProposal(ctx, testKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "## Rules\n- be precise", p.Content)
	assert.Equal(t, "fixes eval_03", p.Rationale)

	res = env.call(t, toolPropose, map[string]any{"content": strings.Repeat("x", 65)}, nil)
	assert.True(t, res.IsError)
	res = env.call(t, toolPropose, map[string]any{"content": "  "}, nil)
	assert.True(t, res.IsError)

	_, ok, err = env.docs.TakeProposal(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, int64(1), env.tel.CounterValue(t, "guidesmith.mcp.proposals_total", attribute.String("outcome", "accepted")))
	assert.Equal(t, int64(1), env.tel.CounterValue(t, "guidesmith.mcp.proposals_total", attribute.String("outcome", "too_large")))
	assert.Equal(t, int64(1), env.tel.CounterValue(t, "guidesmith.mcp.proposals_total", attribute.String("outcome", "empty")))
	assert.Equal(t, int64(2), env.tel.CounterValue(t, "guidesmith.mcp.tool.errors_total", attribute.String("tool", toolPropose)))
}

func TestEvalTools(t *testing.T) {
	env := newTestEnv(t, tools.WithWorkDir("/suite"))
	ctx := context.Background()

	res := env.call(t, toolEvalSummary, map[string]any{}, nil)
	assert.True(t, res.IsError, "no evaluation kept yet")

	out := t.TempDir()
	dir := filepath.Join(out, "output", testKey.Model, "001-basic", "002-json")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.log"), []byte("TypeError: v.json is not a function\n"), 0o600))
	require.NoError(t, evaluator.NewReports(env.store).Save(ctx, evaluator.NewReport(testKey, "run-7", 3, evaluator.Evaluation{
		Passed: 1, Failed: 1, Total: 2, OutputDir: out,
		Results: map[string]bool{"001-basic/001-ok": true, "001-basic/002-json": false},
	})))

	var sum evalSummaryOutput
	env.call(t, toolEvalSummary, map[string]any{}, &sum)
	assert.Equal(t, 3, sum.Iteration)
	assert.Equal(t, "run-7", sum.RunID)
	assert.Equal(t, []string{"001-basic/002-json"}, sum.Failing)

	var details failedDetailsOutput
	env.call(t, toolFailedDetails, map[string]any{}, &details)
	require.Equal(t, 1, details.Count)
	assert.Equal(t, filepath.Join("/suite", "evals", "001-basic", "002-json", "TASK.txt"), details.Evals[0].TaskPath)

	var logErr runLogErrorOutput
	env.call(t, toolRunLogError, map[string]any{"eval": "001-basic/002-json"}, &logErr)
	assert.True(t, logErr.Found)
	assert.Equal(t, "TypeError: v.json is not a function", logErr.Text)

	res = env.call(t, toolRunLogError, map[string]any{"eval": "nope"}, nil)
	assert.True(t, res.IsError)

	var groups groupFailuresOutput
	env.call(t, toolGroupFailures, map[string]any{}, &groups)
	require.Equal(t, 1, groups.Count)
	assert.Equal(t, "v.json() does not exist", groups.Patterns[0].Pattern)

	assert.Equal(t, int64(2), env.tel.CounterValue(t, "guidesmith.mcp.tool.invocations_total",
		attribute.String("tool", toolEvalSummary)))
}
