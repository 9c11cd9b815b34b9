package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guidesmith/internal/agent"
	"github.com/fyrsmithlabs/guidesmith/internal/evaluator"
	"github.com/fyrsmithlabs/guidesmith/internal/events"
	"github.com/fyrsmithlabs/guidesmith/internal/orchestrator"
	"github.com/fyrsmithlabs/guidesmith/internal/secrets"
	"github.com/fyrsmithlabs/guidesmith/internal/status"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

var (
	runKey           keyFlags
	runMaxIterations int
	runSeedFile      string
	runFilter        string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runKey.bind(runCmd)
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "override orchestrator.max_iterations")
	runCmd.Flags().StringVar(&runSeedFile, "seed-file", "", "seed document used when nothing is committed yet")
	runCmd.Flags().StringVar(&runFilter, "filter", "", "only run evals matching this filter (passed as TEST_FILTER)")
}

// runCmd runs one improvement run
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an improvement loop for one provider and model",
	Long: `Run the improvement loop for one (provider, model) pair until it
commits, plateaus, runs out of budget or is interrupted. An interrupted or
abandoned run resumes from its checkpoint on the next invocation.

Exit codes:
  0   committed
  1   fatal error, needs investigation
  2   abandoned, safe to retry
  3   another live process holds the pair, safe to retry
  64  usage or configuration error

Examples:
  # Improve guidelines for one model
  guidesmith run --provider anthropic --model claude-3-5-haiku

  # Short run starting from a seed file
  guidesmith run --provider openai --model gpt-4o --max-iterations 5 --seed-file seed.md

  # Iterate on one eval category only
  guidesmith run --provider anthropic --model claude-3-5-haiku --filter 002-queries`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := runKey.key()
		if err != nil {
			return err
		}
		if runMaxIterations < 0 {
			return usageError(fmt.Errorf("--max-iterations must be >= 1"))
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if runMaxIterations > 0 {
			cfg.Orchestrator.MaxIterations = runMaxIterations
		}
		if runSeedFile != "" {
			cfg.Orchestrator.SeedPath = runSeedFile
			cfg.Orchestrator.SeedDocument = ""
		}
		if runFilter != "" {
			cfg.Evaluator.Filter = runFilter
		}
		if err := cfg.ValidateForRun(); err != nil {
			return usageError(err)
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

		orch, closeDeps, err := a.orchestrator(ctx)
		if err != nil {
			return err
		}
		defer closeDeps()

		return runKeyed(ctx, a, orch, key, cmd.OutOrStdout())
	},
}

// orchestrator builds the agent, evaluator, redactor and event publisher
// and wires them into an Orchestrator.
func (a *app) orchestrator(ctx context.Context) (*orchestrator.Orchestrator, func(), error) {
	tracer, meter := a.tel.Tracer(serviceName), a.tel.Meter(serviceName)

	ag, err := agent.FromSettings(a.cfg.Agent, a.logger, tracer, meter)
	if err != nil {
		return nil, nil, usageError(fmt.Errorf("agent: %w", err))
	}
	ev, err := evaluator.NewCommand(a.cfg.Evaluator, a.logger)
	if err != nil {
		return nil, nil, usageError(fmt.Errorf("evaluator: %w", err))
	}

	var redactor *secrets.Redactor
	if a.cfg.Secrets.IsEnabled() {
		redactor, err = secrets.New(a.cfg.Secrets.AllowlistPath)
		if err != nil {
			return nil, nil, fmt.Errorf("secret redaction: %w", err)
		}
	}

	var publisher events.Publisher = events.Nop{}
	if a.cfg.Events.NATSURL != "" {
		nc, err := events.Connect(a.cfg.Events.NATSURL, a.cfg.Events.SubjectPrefix, a.logger)
		if err != nil {
			// Events are best effort; a missing broker never blocks a run.
			a.logger.Warn(ctx, "nats unavailable, events disabled",
				zap.String("url", a.cfg.Events.NATSURL), zap.Error(err))
		} else {
			publisher = nc
		}
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(a.logger),
		orchestrator.WithTelemetry(tracer, meter),
	}
	if a.cfg.Logging.RunLogEnabled() {
		opts = append(opts, orchestrator.WithRunLogDir(a.cfg.Storage.Path))
	}
	if a.cfg.Storage.Path != "" {
		opts = append(opts, orchestrator.WithEvalOutputDir(a.cfg.Storage.Path))
	}

	orch, err := orchestrator.New(a.cfg.Orchestrator, orchestrator.Deps{
		Store:     a.store,
		Locks:     a.locks,
		Docs:      a.docs,
		History:   a.hist,
		Agent:     ag,
		Evaluator: ev,
		Redactor:  redactor,
		Events:    publisher,
	}, opts...)
	if err != nil {
		_ = publisher.Close()
		return nil, nil, usageError(err)
	}
	return orch, func() { _ = publisher.Close() }, nil
}

// runKeyed runs orch for key, prints progress and the result, and maps
// the outcome to an exit code.
func runKeyed(ctx context.Context, a *app, orch *orchestrator.Orchestrator, key target.Key, out io.Writer) error {
	if !jsonOutput {
		orch.OnProgress(func(p orchestrator.Progress) {
			printProgress(out, p)
		})
	}

	res, err := orch.Run(ctx, key)
	if err != nil {
		a.logger.Error(ctx, "run failed",
			zap.String("key", key.String()),
			zap.String("run_id", res.RunID),
			zap.String("kind", orchestrator.KindOf(err).String()),
			zap.Error(err),
		)
		return &exitError{code: res.Outcome.ExitCode(), err: err}
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printResult(out, res)
	}
	if code := res.Outcome.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func printProgress(out io.Writer, p orchestrator.Progress) {
	if p.Record == nil {
		if p.Message != "" {
			fmt.Fprintf(out, "[%s] %s\n", p.Phase, p.Message)
		}
		return
	}
	r := p.Record
	line := fmt.Sprintf("iteration %d: %s %s", r.Iteration, r.Verdict, status.FormatScore(r.Passed, r.Total))
	if len(r.FlippedToPass) > 0 {
		line += fmt.Sprintf(" +%d", len(r.FlippedToPass))
	}
	if len(r.FlippedToFail) > 0 {
		line += fmt.Sprintf(" -%d", len(r.FlippedToFail))
	}
	if r.Error != "" {
		line += " (" + r.Error + ")"
	}
	fmt.Fprintln(out, line)
}

func printResult(out io.Writer, res orchestrator.Result) {
	fmt.Fprintf(out, "\n%s: %s", res.Key, res.Outcome)
	if res.Stop != "" {
		fmt.Fprintf(out, " (%s)", res.Stop)
	}
	if res.Reason != "" {
		fmt.Fprintf(out, ": %s", res.Reason)
	}
	fmt.Fprintln(out)
	if res.RunID == "" {
		return
	}
	fmt.Fprintf(out, "Run:        %s\n", res.RunID)
	fmt.Fprintf(out, "Iterations: %d\n", res.Iterations())
	fmt.Fprintf(out, "Best:       %s at iteration %d\n", status.FormatScore(res.BestPassed, res.BestTotal), res.BestIteration)
	if res.Simplifications > 0 {
		fmt.Fprintf(out, "Simplified: %d\n", res.Simplifications)
	}
	fmt.Fprintf(out, "Duration:   %s\n", res.Duration.Round(time.Millisecond))
}
