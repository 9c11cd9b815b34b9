package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guidesmith/internal/agent"
	"github.com/fyrsmithlabs/guidesmith/internal/config"
	"github.com/fyrsmithlabs/guidesmith/internal/evaluator"
	"github.com/fyrsmithlabs/guidesmith/internal/events"
	"github.com/fyrsmithlabs/guidesmith/internal/guidelines"
	"github.com/fyrsmithlabs/guidesmith/internal/history"
	"github.com/fyrsmithlabs/guidesmith/internal/kv"
	"github.com/fyrsmithlabs/guidesmith/internal/lock"
	"github.com/fyrsmithlabs/guidesmith/internal/logging"
	"github.com/fyrsmithlabs/guidesmith/internal/secrets"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

const instrumentationName = "github.com/fyrsmithlabs/guidesmith/internal/orchestrator"

// releaseTimeout bounds the lock release on exit, which runs even after
// the run context is cancelled.
const releaseTimeout = 10 * time.Second

// Deps are the collaborators of an Orchestrator. Redactor and Events are
// optional.
type Deps struct {
	Store     kv.Store
	Locks     *lock.Manager
	Docs      *guidelines.Store
	History   *history.Log
	Agent     agent.Agent
	Evaluator evaluator.Evaluator
	Redactor  *secrets.Redactor
	Events    events.Publisher
}

func (d Deps) validate() error {
	var missing []string
	if d.Store == nil {
		missing = append(missing, "store")
	}
	if d.Locks == nil {
		missing = append(missing, "locks")
	}
	if d.Docs == nil {
		missing = append(missing, "docs")
	}
	if d.History == nil {
		missing = append(missing, "history")
	}
	if d.Agent == nil {
		missing = append(missing, "agent")
	}
	if d.Evaluator == nil {
		missing = append(missing, "evaluator")
	}
	if len(missing) > 0 {
		return fmt.Errorf("orchestrator: missing dependencies: %v", missing)
	}
	return nil
}

// Orchestrator drives improvement runs. One Orchestrator may run several
// keys sequentially; each Run owns its key exclusively.
type Orchestrator struct {
	cfg     config.OrchestratorConfig
	deps    Deps
	seed    string
	reports *evaluator.Reports

	logger     *logging.Logger
	runLogDir  string
	evalDir    string
	now        func() time.Time
	newRunID   func(time.Time) string
	onProgress ProgressCallback

	tracer    trace.Tracer
	iterCount metric.Int64Counter
	runCount  metric.Int64Counter
	iterTime  metric.Float64Histogram
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTelemetry sets the tracer and meter.
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
		o.initMetrics(meter)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRunIDs overrides run ID generation.
func WithRunIDs(gen func(time.Time) string) Option {
	return func(o *Orchestrator) { o.newRunID = gen }
}

// WithRunLogDir mirrors each run's log into
// <dir>/runs/<slug>/<run_id>/orchestrator.log.
func WithRunLogDir(dir string) Option {
	return func(o *Orchestrator) { o.runLogDir = dir }
}

// WithEvalOutputDir keeps the eval output of each run under
// <dir>/runs/<slug>/<run_id>/evals. Only the output of the current best
// document survives an iteration.
func WithEvalOutputDir(dir string) Option {
	return func(o *Orchestrator) { o.evalDir = dir }
}

// New creates an Orchestrator. The seed document is loaded from
// cfg.SeedPath when set.
func New(cfg config.OrchestratorConfig, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("orchestrator: max_iterations must be >= 1, got %d", cfg.MaxIterations)
	}
	if cfg.PlateauIterations < 1 {
		cfg.PlateauIterations = 1
	}
	if cfg.RefineMaxFailures < 1 {
		cfg.RefineMaxFailures = 10
	}
	seed, err := loadSeed(cfg)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		seed:     seed,
		reports:  evaluator.NewReports(deps.Store),
		logger:   logging.NewNop(),
		now:      time.Now,
		newRunID: NewRunID,
		tracer:   otel.Tracer(instrumentationName),
	}
	o.initMetrics(otel.Meter(instrumentationName))
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// OnProgress sets the progress callback.
func (o *Orchestrator) OnProgress(cb ProgressCallback) {
	o.onProgress = cb
}

func loadSeed(cfg config.OrchestratorConfig) (string, error) {
	if cfg.SeedPath == "" {
		return cfg.SeedDocument, nil
	}
	data, err := os.ReadFile(cfg.SeedPath)
	if err != nil {
		return "", fmt.Errorf("read seed document: %w", err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("seed document %s is not valid UTF-8", cfg.SeedPath)
	}
	return string(data), nil
}

func (o *Orchestrator) initMetrics(meter metric.Meter) {
	var err error
	o.iterCount, err = meter.Int64Counter(
		"guidesmith.iterations.total",
		metric.WithDescription("Iterations completed, by verdict"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil && o.logger != nil {
		o.logger.Warn(context.Background(), "failed to create iterations counter", zap.Error(err))
	}
	o.runCount, err = meter.Int64Counter(
		"guidesmith.runs.total",
		metric.WithDescription("Runs finished, by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil && o.logger != nil {
		o.logger.Warn(context.Background(), "failed to create runs counter", zap.Error(err))
	}
	o.iterTime, err = meter.Float64Histogram(
		"guidesmith.iteration.duration",
		metric.WithDescription("Wall-clock time of one iteration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil && o.logger != nil {
		o.logger.Warn(context.Background(), "failed to create iteration duration histogram", zap.Error(err))
	}
}

// Run executes one improvement run for key.
//
// A non-nil error is always fatal and comes with OutcomeFailed. Rejected,
// Abandoned and Committed runs return a nil error.
func (o *Orchestrator) Run(ctx context.Context, key target.Key) (res Result, err error) {
	if err := key.Validate(); err != nil {
		return Result{Key: key, Outcome: OutcomeFailed}, fmt.Errorf("invalid key: %w", err)
	}

	started := o.now()
	r := &run{o: o, key: key, id: o.newRunID(started), started: started, logger: o.logger}
	res = Result{RunID: r.id, Key: key, StartedAt: started.UTC()}

	ctx = logging.WithRun(ctx, logging.Run{ID: r.id, Provider: key.Provider, Model: key.Model})
	if o.runLogDir != "" {
		l, closer, lerr := o.logger.WithFile(RunLogPath(o.runLogDir, key, r.id))
		if lerr != nil {
			o.logger.Warn(ctx, "run log unavailable", zap.Error(lerr))
		} else {
			r.logger = l
			defer closer.Close()
		}
	}
	ctx = logging.WithLogger(ctx, r.logger)

	ctx, span := o.tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("provider", key.Provider),
		attribute.String("model", key.Model),
		attribute.String("run_id", r.id),
	))
	defer func() {
		res.Duration = o.now().Sub(started)
		span.SetAttributes(
			attribute.String("outcome", string(res.Outcome)),
			attribute.Int("iterations", res.Iterations()),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.logger.Error(ctx, "run failed", zap.Error(err), zap.Stringer("kind", KindOf(err)))
		}
		span.End()
		if o.runCount != nil {
			o.runCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(res.Outcome))))
		}
	}()

	r.logger.Info(ctx, "run starting")
	err = r.execute(ctx, &res)
	if err != nil {
		res.Outcome = OutcomeFailed
	}
	return res, err
}

func (o *Orchestrator) report(p Progress) {
	if o.onProgress != nil {
		o.onProgress(p)
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) {
	if o.deps.Events == nil {
		return
	}
	ev.Timestamp = o.now().UTC()
	o.deps.Events.Publish(ctx, ev)
}

var (
	errNoRevision = errors.New("agent produced no revision and no proposal")
	errNotShorter = errors.New("proposal is not shorter than the current document")
)
