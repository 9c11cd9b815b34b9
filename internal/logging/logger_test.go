package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/guidesmith/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{Level: "debug", Format: "console", Sampling: true})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.True(t, cfg.Sampling.Enabled)

	cfg, err = FromSettings(config.LoggingConfig{Level: "trace"})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)

	_, err = FromSettings(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Output = OutputConfig{}
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Redaction.Patterns = []string{"(unclosed"}
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Fields = map[string]string{"service": ""}
	assert.Error(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
	assert.NoError(t, logger.Sync())
}

func TestContextFields(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithRun(context.Background(), Run{ID: "run-1", Provider: "anthropic", Model: "claude"})
	ctx = WithIteration(ctx, 3)

	tl.Info(ctx, "iteration complete", zap.String("verdict", "improved"))

	tl.AssertLogged(t, zapcore.InfoLevel, "iteration complete")
	tl.AssertField(t, "iteration complete", "run_id", "run-1")
	tl.AssertField(t, "iteration complete", "provider", "anthropic")
	tl.AssertField(t, "iteration complete", "model", "claude")
	tl.AssertField(t, "iteration complete", "iteration", int64(3))
	tl.AssertField(t, "iteration complete", "verdict", "improved")
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "stale lock")
	tl.AssertLogged(t, zapcore.WarnLevel, "stale lock")
}

func TestTraceLevel(t *testing.T) {
	tl := NewTestLogger()
	tl.Trace(context.Background(), "prompt body")
	tl.AssertLogged(t, TraceLevel, "prompt body")
}

func TestRedactingEncoder(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	var buf bytes.Buffer
	core := zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.InfoLevel)
	logger := zap.New(core)

	logger.Info("calling agent with Bearer abc.def",
		zap.String("api_key", "sk-plain"),
		zap.String("note", "key is sk-ant-api03-abcdefghijkl"),
		zap.String("model", "claude"),
	)

	out := buf.String()
	assert.NotContains(t, out, "sk-plain")
	assert.NotContains(t, out, "abc.def")
	assert.NotContains(t, out, "sk-ant-api03-abcdefghijkl")
	assert.Contains(t, out, `"model":"claude"`)
	assert.Contains(t, out, "[REDACTED]")
}

func TestRedactingEncoder_WithFields(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := zap.New(zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.InfoLevel)).
		With(zap.String("token", "t0ps3cret"))
	logger.Info("connected")

	assert.NotContains(t, buf.String(), "t0ps3cret")
}

func TestSecretField(t *testing.T) {
	f := Secret("api_key", config.Secret("abcdef"))
	assert.Equal(t, "[REDACTED:6]", f.String)
	assert.Equal(t, "[REDACTED:3]", RedactedString("k", "abc").String)
}

func TestWithFile(t *testing.T) {
	tl := NewTestLogger()
	path := filepath.Join(t.TempDir(), "runs", "anthropic_claude", "orchestrator.log")

	runLogger, closer, err := tl.WithFile(path)
	require.NoError(t, err)

	ctx := WithRun(context.Background(), Run{ID: "r1", Provider: "anthropic", Model: "claude"})
	runLogger.Info(ctx, "run started")
	require.NoError(t, closer.Close())

	tl.AssertLogged(t, zapcore.InfoLevel, "run started")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "run started", entry["msg"])
	assert.Equal(t, "r1", entry["run_id"])
}

func TestSampledCore_ErrorsNeverSampled(t *testing.T) {
	var buf bytes.Buffer
	base := zapcore.NewCore(newEncoder("json"), zapcore.AddSync(&buf), zapcore.DebugLevel)
	core := newSampledCore(base, SamplingConfig{Enabled: true, Tick: 1e9, Initial: 1, Thereafter: 0})
	logger := zap.New(core)

	for i := 0; i < 5; i++ {
		logger.Info("repeated")
		logger.Error("failure")
	}

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, `"repeated"`))
	assert.Equal(t, 5, strings.Count(out, `"failure"`))
}

func TestAssertNoSecrets(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "safe", zap.String("model", "claude"))
	tl.AssertNoSecrets(t)
}
