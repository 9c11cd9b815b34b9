package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guidesmith/internal/guidelines"
	"github.com/fyrsmithlabs/guidesmith/internal/logging"
	"github.com/fyrsmithlabs/guidesmith/internal/tools"
)

const instrumentationName = "github.com/fyrsmithlabs/guidesmith/internal/mcp"

// Metrics holds the tool metrics.
type Metrics struct {
	logger         *logging.Logger
	invocations    metric.Int64Counter
	duration       metric.Float64Histogram
	errors         metric.Int64Counter
	activeRequests metric.Int64UpDownCounter
	proposals      metric.Int64Counter
}

func newMetrics(meter metric.Meter, logger *logging.Logger) *Metrics {
	m := &Metrics{logger: logger}
	ctx := context.Background()
	var err error

	m.invocations, err = meter.Int64Counter(
		"guidesmith.mcp.tool.invocations_total",
		metric.WithDescription("Total number of MCP tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create invocations counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"guidesmith.mcp.tool.duration_seconds",
		metric.WithDescription("Duration of MCP tool invocations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create duration histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"guidesmith.mcp.tool.errors_total",
		metric.WithDescription("Total number of MCP tool errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create errors counter", zap.Error(err))
	}

	m.activeRequests, err = meter.Int64UpDownCounter(
		"guidesmith.mcp.tool.active_requests",
		metric.WithDescription("Number of currently active MCP tool requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create active requests gauge", zap.Error(err))
	}

	m.proposals, err = meter.Int64Counter(
		"guidesmith.mcp.proposals_total",
		metric.WithDescription("Revisions proposed through the tool surface, by outcome"),
		metric.WithUnit("{proposal}"),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create proposals counter", zap.Error(err))
	}
	return m
}

// track marks a tool invocation active and returns the function that
// records its completion.
func (m *Metrics) track(ctx context.Context, toolName string) func(err error) {
	start := time.Now()
	m.IncrementActive(ctx, toolName)
	return func(err error) {
		m.DecrementActive(ctx, toolName)
		m.RecordInvocation(ctx, toolName, time.Since(start), err)
	}
}

// RecordInvocation records a tool invocation metric.
func (m *Metrics) RecordInvocation(ctx context.Context, toolName string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{attribute.String("tool", toolName)}

	if m.invocations != nil {
		m.invocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
	if err != nil && m.errors != nil {
		errorAttrs := append(attrs, attribute.String("reason", categorizeError(err)))
		m.errors.Add(ctx, 1, metric.WithAttributes(errorAttrs...))
	}
}

// RecordProposal counts a proposal by outcome ("accepted" or the
// rejection reason).
func (m *Metrics) RecordProposal(ctx context.Context, err error) {
	if m.proposals == nil {
		return
	}
	outcome := "accepted"
	if err != nil {
		outcome = categorizeError(err)
	}
	m.proposals.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// IncrementActive increments the active requests counter.
func (m *Metrics) IncrementActive(ctx context.Context, toolName string) {
	if m.activeRequests != nil {
		m.activeRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", toolName)))
	}
}

// DecrementActive decrements the active requests counter.
func (m *Metrics) DecrementActive(ctx context.Context, toolName string) {
	if m.activeRequests != nil {
		m.activeRequests.Add(ctx, -1, metric.WithAttributes(attribute.String("tool", toolName)))
	}
}

// categorizeError categorizes an error into a reason string.
func categorizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, tools.ErrEmptyProposal):
		return "empty"
	case errors.Is(err, tools.ErrProposalTooLarge):
		return "too_large"
	case errors.Is(err, tools.ErrInvalidEncoding):
		return "invalid_encoding"
	case errors.Is(err, guidelines.ErrCorruptBaseline):
		return "corrupt_baseline"
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "validation") || strings.Contains(errStr, "invalid"):
		return "validation_error"
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "timeout"
	case strings.Contains(errStr, "permission"):
		return "permission_error"
	default:
		return "internal_error"
	}
}
