// Package agent defines the external agent consumed by the orchestrator
// and its implementations.
//
// A construction iteration makes two calls: AnalyzeFailures diagnoses why
// the current document fails its evals, then IncorporateFixes returns a
// revised document. Once every eval passes reliably, Simplify proposes one
// shorter variant per refinement iteration. All calls are fallible,
// non-deterministic and not idempotent; the orchestrator owns retries
// beyond the transport level.
package agent

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/guidesmith/internal/config"
	"github.com/fyrsmithlabs/guidesmith/internal/evaluator"
	"github.com/fyrsmithlabs/guidesmith/internal/history"
	"github.com/fyrsmithlabs/guidesmith/internal/logging"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

// ErrMalformedOutput is returned when an agent response cannot be parsed.
var ErrMalformedOutput = errors.New("agent: malformed output")

// Diagnosis is the structured result of failure analysis.
type Diagnosis struct {
	Category    string
	Description string
	Remedy      string
	Confidence  string
}

// Feedback converts d into the history representation.
func (d Diagnosis) Feedback() history.Feedback {
	return history.Feedback{
		Category:    d.Category,
		Description: d.Description,
		Remedy:      d.Remedy,
		Confidence:  d.Confidence,
	}
}

// AnalysisRequest is the input to AnalyzeFailures.
type AnalysisRequest struct {
	Key      target.Key
	Document string
	// Recent is the newest-first feedback window.
	Recent  []history.Record
	Failing []string
	// Patterns groups the failing evals by the error in their run logs,
	// largest group first. Empty when no eval output was kept.
	Patterns []evaluator.FailurePattern
}

// IncorporationRequest is the input to IncorporateFixes.
type IncorporationRequest struct {
	Key       target.Key
	Document  string
	Diagnosis Diagnosis
	Recent    []history.Record
}

// SimplificationRequest is the input to Simplify.
type SimplificationRequest struct {
	Key      target.Key
	Document string
	// Rejected is the newest-first window of refinement attempts that
	// were not kept.
	Rejected []history.Record
}

// Agent analyzes failures, incorporates fixes and simplifies.
//
// IncorporateFixes and Simplify return the full revised document. An
// empty result means the revision was submitted through the tool surface
// instead.
type Agent interface {
	AnalyzeFailures(ctx context.Context, req AnalysisRequest) (Diagnosis, error)
	IncorporateFixes(ctx context.Context, req IncorporationRequest) (string, error)
	Simplify(ctx context.Context, req SimplificationRequest) (string, error)
}

// FromSettings builds the agent selected by s.Provider.
func FromSettings(s config.AgentConfig, logger *logging.Logger, tracer trace.Tracer, meter metric.Meter) (Agent, error) {
	switch s.Provider {
	case "command":
		return NewCommand(s.Command, s.Timeout.Duration(), logger)
	case "anthropic", "":
		return NewAnthropic(AnthropicConfigFromSettings(s), WithLogger(logger), WithTelemetry(tracer, meter))
	default:
		return nil, fmt.Errorf("unknown agent provider %q", s.Provider)
	}
}
