package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guidesmith/internal/logging"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

// Command runs an external agent program once per step. The prompt is
// written to stdin and the response is read from stdout. The program can
// reach the tool surface through `guidesmith mcp`; a program that submits
// its revision with propose_guidelines may print nothing when
// incorporating.
type Command struct {
	argv    []string
	timeout time.Duration
	logger  *logging.Logger
	tracer  trace.Tracer
}

// NewCommand creates a Command agent for argv.
func NewCommand(argv []string, timeout time.Duration, logger *logging.Logger) (*Command, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("agent command is empty")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Command{argv: argv, timeout: timeout, logger: logger, tracer: otel.Tracer(instrumentationName)}, nil
}

func (c *Command) AnalyzeFailures(ctx context.Context, req AnalysisRequest) (Diagnosis, error) {
	prompt, err := renderAnalysis(req)
	if err != nil {
		return Diagnosis{}, fmt.Errorf("render analysis prompt: %w", err)
	}
	out, err := c.run(ctx, "agent.analyze", "analyze", req.Key, analyzerSystem+"\n\n"+prompt)
	if err != nil {
		return Diagnosis{}, err
	}
	return ParseDiagnosis(out)
}

func (c *Command) IncorporateFixes(ctx context.Context, req IncorporationRequest) (string, error) {
	prompt, err := renderIncorporation(req)
	if err != nil {
		return "", fmt.Errorf("render incorporation prompt: %w", err)
	}
	out, err := c.run(ctx, "agent.incorporate", "incorporate", req.Key, incorporatorSystem+"\n\n"+prompt)
	if err != nil {
		return "", err
	}
	return UnwrapDocument(out), nil
}

func (c *Command) Simplify(ctx context.Context, req SimplificationRequest) (string, error) {
	prompt, err := renderSimplification(req)
	if err != nil {
		return "", fmt.Errorf("render simplification prompt: %w", err)
	}
	out, err := c.run(ctx, "agent.simplify", "simplify", req.Key, simplifierSystem+"\n\n"+prompt)
	if err != nil {
		return "", err
	}
	return UnwrapDocument(out), nil
}

func (c *Command) run(ctx context.Context, spanName, step string, key target.Key, prompt string) (string, error) {
	ctx, span := c.tracer.Start(ctx, spanName, trace.WithAttributes(attribute.String("agent", c.argv[0])))
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(),
		"GUIDESMITH_PROVIDER="+key.Provider,
		"GUIDESMITH_MODEL="+key.Model,
		"GUIDESMITH_STEP="+step,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		c.logger.Warn(ctx, "agent command failed",
			zap.String("step", step), zap.String("stderr", tail(stderr.String(), 2048)), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("agent command %s: %w", step, err)
	}
	return stdout.String(), nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
