package agent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestCommand_Analyze(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo "CATEGORY: $GUIDESMITH_STEP"
echo "ANALYSIS: model $GUIDESMITH_MODEL failed"
echo "SUGGESTED_GUIDELINE: be precise"
echo "CONFIDENCE: high"
`)
	c, err := NewCommand([]string{script}, 10*time.Second, nil)
	require.NoError(t, err)

	d, err := c.AnalyzeFailures(context.Background(), AnalysisRequest{Key: testKey, Document: "doc"})
	require.NoError(t, err)
	assert.Equal(t, "analyze", d.Category)
	assert.Equal(t, "model claude-3 failed", d.Description)
}

func TestCommand_IncorporateEchoesPrompt(t *testing.T) {
	script := writeScript(t, `grep -c "Suggested guideline" >/dev/null && printf '%s\n' '## Revised'`)
	c, err := NewCommand([]string{script}, 10*time.Second, nil)
	require.NoError(t, err)

	doc, err := c.IncorporateFixes(context.Background(), IncorporationRequest{Key: testKey, Document: "doc"})
	require.NoError(t, err)
	assert.Equal(t, "## Revised", doc)
}

func TestCommand_SimplifyStep(t *testing.T) {
	script := writeScript(t, `grep -c "simplified guidelines" >/dev/null && echo "## $GUIDESMITH_STEP"`)
	c, err := NewCommand([]string{script}, 10*time.Second, nil)
	require.NoError(t, err)

	doc, err := c.Simplify(context.Background(), SimplificationRequest{Key: testKey, Document: "doc"})
	require.NoError(t, err)
	assert.Equal(t, "## simplify", doc)
}

func TestCommand_EmptyOutputMeansProposal(t *testing.T) {
	script := writeScript(t, "cat > /dev/null\n")
	c, err := NewCommand([]string{script}, 10*time.Second, nil)
	require.NoError(t, err)

	doc, err := c.IncorporateFixes(context.Background(), IncorporationRequest{Key: testKey, Document: "doc"})
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestCommand_Failure(t *testing.T) {
	script := writeScript(t, "echo boom >&2\nexit 3\n")
	c, err := NewCommand([]string{script}, 10*time.Second, nil)
	require.NoError(t, err)

	_, err = c.IncorporateFixes(context.Background(), IncorporationRequest{Key: testKey, Document: "doc"})
	require.Error(t, err)
}

func TestNewCommand_Empty(t *testing.T) {
	_, err := NewCommand(nil, 0, nil)
	assert.Error(t, err)
}
