package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/guidesmith/internal/evaluator"
	"github.com/fyrsmithlabs/guidesmith/internal/history"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
	"github.com/fyrsmithlabs/guidesmith/internal/telemetry"
)

var testKey = target.Key{Provider: "anthropic", Model: "claude-3"}

func messageResponse(text string) map[string]any {
	return map[string]any{
		"id":          "msg_test123",
		"type":        "message",
		"role":        "assistant",
		"model":       "claude-3-5-haiku-latest",
		"stop_reason": "end_turn",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"usage": map[string]any{"input_tokens": 120, "output_tokens": 40},
	}
}

type capturedRequest struct {
	System   []map[string]any `json:"system"`
	Messages []struct {
		Content []map[string]any `json:"content"`
	} `json:"messages"`
}

func newMockServer(t *testing.T, handler func(w http.ResponseWriter, req capturedRequest)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req capturedRequest
		require.NoError(t, json.Unmarshal(body, &req))
		handler(w, req)
	}))
	t.Cleanup(server.Close)
	return server
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestAgent(t *testing.T, url string, opts ...AnthropicOption) *Anthropic {
	t.Helper()
	cfg := AnthropicConfig{
		APIKey:         "test-key",
		Model:          "claude-3-5-haiku-latest",
		MaxTokens:      1024,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	}
	opts = append(opts, WithRequestOptions(option.WithBaseURL(url)))
	a, err := NewAnthropic(cfg, opts...)
	require.NoError(t, err)
	return a
}

func TestNewAnthropic_RequiresKey(t *testing.T) {
	_, err := NewAnthropic(AnthropicConfig{Model: "m"})
	assert.ErrorIs(t, err, errAPIKeyRequired)
}

func TestAnalyzeFailures(t *testing.T) {
	var prompt string
	server := newMockServer(t, func(w http.ResponseWriter, req capturedRequest) {
		require.Len(t, req.Messages, 1)
		prompt, _ = req.Messages[0].Content[0]["text"].(string)
		require.NotEmpty(t, req.System)
		writeJSON(w, http.StatusOK, messageResponse(
			"CATEGORY: schema\nANALYSIS: Index missing.\nSUGGESTED_GUIDELINE: Define indexes for every query filter.\nCONFIDENCE: medium"))
	})
	tel := telemetry.NewTestTelemetry()
	a := newTestAgent(t, server.URL, WithTelemetry(tel.Tracer("test"), tel.Meter("test")))

	d, err := a.AnalyzeFailures(context.Background(), AnalysisRequest{
		Key:      testKey,
		Document: "## Schema\n- use v.id",
		Failing:  []string{"002-queries/001-index"},
		Patterns: []evaluator.FailurePattern{{
			Pattern: "wrong index range API", Count: 1, Representative: "002-queries/001-index",
			Evals: []string{"002-queries/001-index"}, SampleError: "q.range is not a function",
		}},
		Recent: []history.Record{
			{Iteration: 2, Verdict: history.VerdictNoChange, Passed: 4, Total: 10,
				Feedback: history.Feedback{Category: "imports", Description: "bad import", Remedy: "import from _generated"}},
			{Iteration: 1, Verdict: history.VerdictImproved, Passed: 4, Total: 10},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "schema", d.Category)
	assert.Equal(t, "Index missing.", d.Description)
	assert.Equal(t, "medium", d.Confidence)

	assert.Contains(t, prompt, "anthropic/claude-3")
	assert.Contains(t, prompt, "- 002-queries/001-index")
	assert.Contains(t, prompt, "Tried: import from _generated")
	assert.Contains(t, prompt, "1 -> 2: +0 passing.")
	assert.Contains(t, prompt, "- wrong index range API (1 eval(s): 002-queries/001-index)")
	assert.Contains(t, prompt, "Sample: q.range is not a function")

	tel.AssertSpanExists(t, "agent.analyze")
	assert.Equal(t, int64(120), tel.CounterValue(t, "guidesmith.agent.input_tokens"))
}

func TestAnalyzeFailures_Malformed(t *testing.T) {
	server := newMockServer(t, func(w http.ResponseWriter, _ capturedRequest) {
		writeJSON(w, http.StatusOK, messageResponse("I am not sure what happened."))
	})
	a := newTestAgent(t, server.URL)

	_, err := a.AnalyzeFailures(context.Background(), AnalysisRequest{Key: testKey, Document: "doc"})
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestIncorporateFixes_UnwrapsFence(t *testing.T) {
	var prompt string
	server := newMockServer(t, func(w http.ResponseWriter, req capturedRequest) {
		prompt, _ = req.Messages[0].Content[0]["text"].(string)
		writeJSON(w, http.StatusOK, messageResponse("```markdown\n## Schema\n- use v.id\n- define indexes\n```"))
	})
	a := newTestAgent(t, server.URL)

	doc, err := a.IncorporateFixes(context.Background(), IncorporationRequest{
		Key:       testKey,
		Document:  "## Schema\n- use v.id",
		Diagnosis: Diagnosis{Category: "schema", Description: "Index missing.", Remedy: "Define indexes.", Confidence: "high"},
	})
	require.NoError(t, err)
	assert.Equal(t, "## Schema\n- use v.id\n- define indexes", doc)
	assert.Contains(t, prompt, "Define indexes.")
}

func TestSimplify(t *testing.T) {
	var prompt, system string
	server := newMockServer(t, func(w http.ResponseWriter, req capturedRequest) {
		prompt, _ = req.Messages[0].Content[0]["text"].(string)
		system, _ = req.System[0]["text"].(string)
		writeJSON(w, http.StatusOK, messageResponse("## Schema\n- use v.id"))
	})
	tel := telemetry.NewTestTelemetry()
	a := newTestAgent(t, server.URL, WithTelemetry(tel.Tracer("test"), tel.Meter("test")))

	doc, err := a.Simplify(context.Background(), SimplificationRequest{
		Key:      testKey,
		Document: "## Schema\n- use v.id\n- always use v.id for ids",
		Rejected: []history.Record{
			{Iteration: 7, Verdict: history.VerdictRejected, Passed: 9, Total: 10, DiffSummary: "Removed 1 section(s) (-60 tokens)"},
			{Iteration: 6, Verdict: history.VerdictFailed, Error: "proposal is not shorter than the current document"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "## Schema\n- use v.id", doc)

	assert.Contains(t, system, "exactly ONE simplification")
	assert.Contains(t, prompt, "- Iteration 7 (rejected, 9/10 passed): Removed 1 section(s) (-60 tokens)")
	assert.Contains(t, prompt, "- Iteration 6 (failed): proposal is not shorter than the current document")
	tel.AssertSpanExists(t, "agent.simplify")
}

func TestCall_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := newMockServer(t, func(w http.ResponseWriter, _ capturedRequest) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"type":  "error",
				"error": map[string]any{"type": "api_error", "message": "overloaded"},
			})
			return
		}
		writeJSON(w, http.StatusOK, messageResponse("revised"))
	})
	a := newTestAgent(t, server.URL)

	doc, err := a.IncorporateFixes(context.Background(), IncorporationRequest{Key: testKey, Document: "doc"})
	require.NoError(t, err)
	assert.Equal(t, "revised", doc)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCall_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := newMockServer(t, func(w http.ResponseWriter, _ capturedRequest) {
		calls.Add(1)
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "bad"},
		})
	})
	a := newTestAgent(t, server.URL)

	_, err := a.IncorporateFixes(context.Background(), IncorporationRequest{Key: testKey, Document: "doc"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(nil))
	assert.False(t, isRetryable(context.Canceled))
	assert.False(t, isRetryable(context.DeadlineExceeded))
	assert.False(t, isRetryable(assert.AnError))
}
