package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guidesmith/internal/config"
	"github.com/fyrsmithlabs/guidesmith/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/guidesmith/internal/evaluator"

// ErrNoResults is returned when the eval command produced no parseable
// results.
var ErrNoResults = errors.New("evaluator: no results")

// Command runs an external eval command against a document.
//
// The document is written to guidelines.md in a per-iteration directory
// and the command runs with these variables set:
//
//	GUIDESMITH_PROVIDER, GUIDESMITH_MODEL  the target key
//	MODELS                                 the target model
//	CUSTOM_GUIDELINES_PATH                 the document file
//	OUTPUT_TEMPDIR                         the eval output directory
//	LOCAL_RESULTS                          the JSONL results file to append to
//	TEST_FILTER                            the configured eval filter, if any
//
// The last line of the results file is parsed. The command leaves the
// output of each eval under OUTPUT_TEMPDIR/output/<model>/<eval>.
type Command struct {
	argv    []string
	timeout time.Duration
	workDir string
	filter  string
	logger  *logging.Logger
	tracer  trace.Tracer
}

// NewCommand creates a Command evaluator. The command runs in
// cfg.WorkDir; an evaluation without an OutputDir gets a fresh temp
// directory for its files.
func NewCommand(cfg config.EvaluatorConfig, logger *logging.Logger) (*Command, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("evaluator command is empty")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Command{
		argv:    cfg.Command,
		timeout: cfg.Timeout.Duration(),
		workDir: cfg.WorkDir,
		filter:  cfg.Filter,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
	}, nil
}

// Evaluate runs the eval command for req.
func (c *Command) Evaluate(ctx context.Context, req EvalRequest) (Evaluation, error) {
	ctx, span := c.tracer.Start(ctx, "evaluator.Evaluate", trace.WithAttributes(
		attribute.String("key", req.Key.String()),
		attribute.Int("iteration", req.Iteration),
	))
	defer span.End()

	ev, err := c.evaluate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Evaluation{}, err
	}
	span.SetAttributes(attribute.Int("passed", ev.Passed), attribute.Int("total", ev.Total))
	return ev, nil
}

func (c *Command) evaluate(ctx context.Context, req EvalRequest) (Evaluation, error) {
	dir := req.OutputDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "guidesmith-eval-*")
		if err != nil {
			return Evaluation{}, fmt.Errorf("create eval dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		return Evaluation{}, fmt.Errorf("create eval dir: %w", err)
	}

	docPath := filepath.Join(dir, "guidelines.md")
	if err := os.WriteFile(docPath, []byte(req.Document), 0o600); err != nil {
		return Evaluation{}, fmt.Errorf("write document: %w", err)
	}
	outputDir := filepath.Join(dir, "eval_output")
	if err := os.MkdirAll(outputDir, 0o700); err != nil {
		return Evaluation{}, err
	}
	resultsPath := filepath.Join(dir, "results.jsonl")

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Dir = c.workDir
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(),
		"GUIDESMITH_PROVIDER="+req.Key.Provider,
		"GUIDESMITH_MODEL="+req.Key.Model,
		"GUIDESMITH_RUN_ID="+req.RunID,
		fmt.Sprintf("GUIDESMITH_ITERATION=%d", req.Iteration),
		"MODELS="+req.Key.Model,
		"CUSTOM_GUIDELINES_PATH="+docPath,
		"OUTPUT_TEMPDIR="+outputDir,
		"LOCAL_RESULTS="+resultsPath,
	)
	if c.filter != "" {
		cmd.Env = append(cmd.Env, "TEST_FILTER="+c.filter)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	c.logger.Debug(ctx, "eval command finished",
		zap.Duration("elapsed", time.Since(start)), zap.Int("iteration", req.Iteration))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Evaluation{}, fmt.Errorf("eval command timed out after %s", c.timeout)
		}
		c.logger.Warn(ctx, "eval command failed",
			zap.String("stderr", tail(stderr.String(), 4096)), zap.Error(err))
		return Evaluation{}, fmt.Errorf("eval command: %w", err)
	}

	data, err := os.ReadFile(resultsPath)
	if errors.Is(err, os.ErrNotExist) {
		return Evaluation{}, fmt.Errorf("%w: %s not written", ErrNoResults, filepath.Base(resultsPath))
	}
	if err != nil {
		return Evaluation{}, err
	}
	ev, err := ParseResults(data)
	if err != nil {
		return Evaluation{}, err
	}
	if req.OutputDir != "" {
		ev.OutputDir = outputDir
	}
	return ev, nil
}

// ParseResults decodes the last non-empty line of a JSONL results file.
// Two shapes are accepted: a flat summary with passed, failed, total and
// a results map, and a run summary with individual_results and run_stats.
func ParseResults(data []byte) (Evaluation, error) {
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return Evaluation{}, fmt.Errorf("%w: results file is empty", ErrNoResults)
	}

	var raw struct {
		Passed            *int            `json:"passed"`
		Failed            int             `json:"failed"`
		Total             int             `json:"total"`
		Results           map[string]bool `json:"results"`
		IndividualResults []struct {
			Category string `json:"category"`
			Name     string `json:"name"`
			Passed   bool   `json:"passed"`
		} `json:"individual_results"`
		RunStats struct {
			TotalTests  int `json:"total_tests"`
			TotalPassed int `json:"total_passed"`
			TotalFailed int `json:"total_failed"`
		} `json:"run_stats"`
	}
	if err := json.Unmarshal([]byte(last), &raw); err != nil {
		return Evaluation{}, fmt.Errorf("%w: decode results: %v", ErrNoResults, err)
	}

	if raw.IndividualResults != nil {
		ev := Evaluation{
			Passed:  raw.RunStats.TotalPassed,
			Failed:  raw.RunStats.TotalFailed,
			Total:   raw.RunStats.TotalTests,
			Results: make(map[string]bool, len(raw.IndividualResults)),
		}
		for _, r := range raw.IndividualResults {
			ev.Results[r.Category+"/"+r.Name] = r.Passed
		}
		return ev, nil
	}

	if raw.Passed == nil {
		return Evaluation{}, fmt.Errorf("%w: missing passed count", ErrNoResults)
	}
	ev := Evaluation{Passed: *raw.Passed, Failed: raw.Failed, Total: raw.Total, Results: raw.Results}
	if ev.Total == 0 {
		ev.Total = ev.Passed + ev.Failed
	}
	if ev.Results == nil {
		ev.Results = map[string]bool{}
	}
	return ev, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
