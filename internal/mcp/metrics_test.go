package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/guidesmith/internal/guidelines"
	"github.com/fyrsmithlabs/guidesmith/internal/logging"
	"github.com/fyrsmithlabs/guidesmith/internal/telemetry"
	"github.com/fyrsmithlabs/guidesmith/internal/tools"
)

func TestMetrics_RecordInvocation(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := newMetrics(tel.Meter("test"), logging.NewNop())
	ctx := context.Background()

	m.RecordInvocation(ctx, "test_tool", 100*time.Millisecond, nil)
	m.RecordInvocation(ctx, "test_tool", 50*time.Millisecond, errors.New("invalid limit"))

	assert.Equal(t, int64(2), tel.CounterValue(t, "guidesmith.mcp.tool.invocations_total", attribute.String("tool", "test_tool")))
	assert.Equal(t, int64(1), tel.CounterValue(t, "guidesmith.mcp.tool.errors_total", attribute.String("reason", "validation_error")))
}

func TestMetrics_ActiveRequests(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := newMetrics(tel.Meter("test"), logging.NewNop())
	ctx := context.Background()

	m.IncrementActive(ctx, "test_tool")
	done := m.track(ctx, "test_tool")
	done(nil)

	assert.Equal(t, int64(1), tel.CounterValue(t, "guidesmith.mcp.tool.active_requests"))
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, ""},
		{"empty proposal", fmt.Errorf("propose: %w", tools.ErrEmptyProposal), "empty"},
		{"too large", tools.ErrProposalTooLarge, "too_large"},
		{"encoding", tools.ErrInvalidEncoding, "invalid_encoding"},
		{"corrupt", guidelines.ErrCorruptBaseline, "corrupt_baseline"},
		{"invalid input", errors.New("invalid limit"), "validation_error"},
		{"timeout", errors.New("context deadline exceeded"), "timeout"},
		{"permission denied", errors.New("open: permission denied"), "permission_error"},
		{"generic error", errors.New("something went wrong"), "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, categorizeError(tt.err))
		})
	}
}
