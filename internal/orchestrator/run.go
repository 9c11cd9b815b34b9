package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
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
	"github.com/fyrsmithlabs/guidesmith/internal/lock"
	"github.com/fyrsmithlabs/guidesmith/internal/logging"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

// run is the state of one Run call.
type run struct {
	o       *Orchestrator
	key     target.Key
	id      string
	started time.Time
	logger  *logging.Logger

	cp guidelines.Checkpoint
	// prev holds the per-eval results of the newest non-failed record,
	// used to compute flips.
	prev map[string]bool
}

func (r *run) execute(ctx context.Context, res *Result) (err error) {
	o := r.o

	baseline, err := r.preflight(ctx)
	if err != nil {
		return err
	}

	r.progress(PhaseAcquiring, 0, "")
	acq, err := o.deps.Locks.Acquire(ctx, r.key, r.id)
	if err != nil {
		return newError(KindRecoverableIO, "acquire", r.key, err)
	}
	if !acq.Acquired {
		res.Outcome = OutcomeRejected
		res.Reason = "already running elsewhere: " + acq.Reason
		r.logger.Warn(ctx, "run rejected", zap.String("holder", acq.Holder), zap.String("reason", acq.Reason))
		o.publish(ctx, events.Event{Type: events.Rejected, Key: r.key, RunID: r.id, Reason: acq.Reason})
		return nil
	}
	defer r.release(ctx, res, &err)

	if acq.Reclaimed {
		r.logger.Info(ctx, "reclaimed stale lock")
	}
	if err := target.Register(ctx, o.deps.Store, r.key); err != nil {
		r.logger.Warn(ctx, "register key", zap.Error(err))
	}
	o.publish(ctx, events.Event{Type: events.Started, Key: r.key, RunID: r.id})

	if err := r.setPhase(ctx, PhaseRestoring, 0); err != nil {
		return err
	}
	cp, pending, err := o.deps.Docs.CommitPending(ctx, r.key)
	if err != nil {
		return newError(KindRecoverableIO, "restore", r.key, err)
	}
	if pending {
		r.logger.Info(ctx, "finishing interrupted commit", zap.String("previous_run", cp.RunID))
		r.cp = cp
		res.Resumed = true
		r.fill(res)
		return r.commit(ctx, res, "finished interrupted commit")
	}

	ok, err := r.restore(ctx, baseline, res)
	if err != nil {
		return err
	}
	if !ok {
		res.Stop = StopBaseline
		r.abandon(ctx, res, "baseline evaluation failed")
		return nil
	}

	stop, err := r.loop(ctx, res)
	if err == nil && stop == StopPerfect && o.cfg.ShouldRefine() {
		stop, err = r.refine(ctx, res)
	}
	r.fill(res)
	if err != nil {
		return err
	}
	res.Stop = stop

	if err := r.setPhase(ctx, PhaseDeciding, r.cp.Iteration); err != nil {
		return err
	}
	switch {
	case !stop.commits():
		r.abandon(ctx, res, "stopped: "+string(stop))
	case r.cp.ConsecutiveFailures > 0:
		r.abandon(ctx, res, "final iteration failed")
	case r.cp.Improvements == 0 && r.cp.Simplifications == 0:
		r.abandon(ctx, res, "no improvement over baseline")
	default:
		return r.commit(ctx, res, "stopped: "+string(stop))
	}
	return nil
}

// release runs on every exit path once the lock is held, including
// panics, which are converted into an invariant error.
func (r *run) release(ctx context.Context, res *Result, errp *error) {
	if p := recover(); p != nil {
		r.logger.Error(ctx, "run panicked", zap.Any("panic", p), zap.Stack("stack"))
		res.Outcome = OutcomeFailed
		*errp = newError(KindInvariant, "run", r.key, fmt.Errorf("panic: %v", p))
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := r.o.deps.Locks.Release(rctx, r.key, r.id); err != nil {
		r.logger.Error(ctx, "release lock", zap.Error(err))
	}
	r.progress(PhaseReleased, r.cp.Iteration, string(res.Outcome))
	r.logger.Info(ctx, "run finished",
		zap.String("outcome", string(res.Outcome)),
		zap.String("reason", res.Reason),
		zap.Int("iterations", res.Iterations()),
	)
}

func (r *run) preflight(ctx context.Context) (string, error) {
	doc, err := r.o.deps.Docs.ReadCommitted(ctx, r.key)
	switch {
	case err == nil:
		return doc, nil
	case errors.Is(err, guidelines.ErrNotFound):
		r.logger.Info(ctx, "no committed document, starting from seed")
		return r.o.seed, nil
	case errors.Is(err, guidelines.ErrCorruptBaseline):
		return "", newError(KindCorruptBaseline, "preflight", r.key, err)
	default:
		return "", newError(KindRecoverableIO, "preflight", r.key, err)
	}
}

// restore resumes from the checkpoint or starts a fresh lineage from
// baseline. ok is false when the baseline could not be evaluated.
func (r *run) restore(ctx context.Context, baseline string, res *Result) (ok bool, err error) {
	o := r.o
	type checkpointRead struct {
		cp    guidelines.Checkpoint
		found bool
	}
	read, err := retryValue(ctx, r.delay(), func() (checkpointRead, error) {
		cp, found, err := o.deps.Docs.ReadCheckpoint(ctx, r.key)
		return checkpointRead{cp, found}, err
	})
	if err != nil {
		return false, newError(KindRecoverableIO, "restore", r.key, err)
	}
	last, err := retryValue(ctx, r.delay(), func() (int, error) {
		return o.deps.History.LastIndex(ctx, r.key)
	})
	if err != nil {
		return false, newError(KindRecoverableIO, "restore", r.key, err)
	}

	if read.found {
		return true, r.resume(ctx, read.cp, last, res)
	}

	r.logger.Info(ctx, "starting fresh lineage", zap.Int("base_iteration", last))
	eval, runs, err := r.score(ctx, baseline, last, o.cfg.StabilityChecks(), evaluator.Evaluation.Perfect)
	if err != nil {
		r.logger.Warn(ctx, "baseline evaluation failed", zap.Error(err))
		r.settleEvals(ctx, last, eval, false)
		return false, nil
	}
	r.logger.Info(ctx, "baseline evaluated",
		zap.Int("passed", eval.Passed), zap.Int("total", eval.Total), zap.Int("runs", runs))
	r.settleEvals(ctx, last, eval, true)

	now := o.now().UTC()
	r.cp = guidelines.Checkpoint{
		RunID:         r.id,
		Iteration:     last,
		BaseIteration: last,
		Document:      baseline,
		BestPassed:    eval.Passed,
		BestTotal:     eval.Total,
		BestIteration: last,
		LastResults:   eval.Results,
		StartedAt:     now,
	}
	r.prev = eval.Results

	if err := r.retryIO(ctx, func() error { return o.deps.Docs.WriteWorking(ctx, r.key, baseline) }); err != nil {
		return false, newError(KindRecoverableIO, "write working", r.key, err)
	}
	if err := r.retryIO(ctx, func() error { return o.deps.Docs.WriteCheckpoint(ctx, r.key, r.cp) }); err != nil {
		return false, newError(KindRecoverableIO, "write checkpoint", r.key, err)
	}
	return true, nil
}

func (r *run) resume(ctx context.Context, cp guidelines.Checkpoint, last int, res *Result) error {
	o := r.o
	switch {
	case last < cp.Iteration:
		return newError(KindInvariant, "restore", r.key,
			fmt.Errorf("history ends at %d but checkpoint is at iteration %d", last, cp.Iteration))
	case last > cp.Iteration:
		// The previous run appended a record and crashed before its
		// checkpoint write. That iteration's document is lost.
		r.logger.Warn(ctx, "history ahead of checkpoint",
			zap.Int("checkpoint_iteration", cp.Iteration), zap.Int("history_iteration", last))
		cp.Iteration = last
	}

	// A checkpoint left by an abandoned run already meets a stop
	// condition; resuming it opens a new budget on the same lineage.
	if reason, ok := exhausted(o.cfg, cp); ok && reason != StopPerfect {
		r.logger.Info(ctx, "previous run stopped, starting a new budget", zap.String("previous_stop", string(reason)))
		cp.BaseIteration = cp.Iteration
		cp.Stable = 0
		cp.ConsecutiveFailures = 0
	}

	previous := cp.RunID
	cp.RunID = r.id
	r.cp = cp
	r.prev = cp.LastResults
	if rec, ok, err := o.deps.History.Last(ctx, r.key); err == nil && ok && rec.Verdict != history.VerdictFailed {
		r.prev = rec.Results
	}
	res.Resumed = true
	r.logger.Info(ctx, "resuming from checkpoint",
		zap.Int("next_iteration", cp.Iteration+1),
		zap.Int("best_passed", cp.BestPassed),
		zap.String("previous_run", previous),
	)

	// The checkpoint document wins over whatever working holds.
	if err := r.retryIO(ctx, func() error { return o.deps.Docs.WriteWorking(ctx, r.key, cp.Document) }); err != nil {
		return newError(KindRecoverableIO, "write working", r.key, err)
	}
	return nil
}

func (r *run) loop(ctx context.Context, res *Result) (StopReason, error) {
	for {
		if stop, ok := r.shouldStop(ctx); ok {
			return stop, nil
		}

		index := r.cp.Iteration + 1
		if err := r.setPhase(ctx, PhaseIterating, index); err != nil {
			return "", err
		}

		start := r.o.now()
		at := r.iterate(ctx, index)
		if ctx.Err() != nil {
			r.logger.Info(ctx, "run cancelled, discarding iteration", zap.Int("iteration", index))
			r.settleEvals(ctx, index, at.eval, false)
			return StopCancelled, nil
		}
		if err := r.record(ctx, res, at, start); err != nil {
			return "", err
		}
	}
}

// refine runs the simplification phase. Each iteration proposes one
// shorter document and keeps it only when every evaluation run still
// reaches the best score. It ends after RefineMaxFailures attempts in a
// row were not kept.
func (r *run) refine(ctx context.Context, res *Result) (StopReason, error) {
	o := r.o
	if r.cp.Stage != string(history.StageRefinement) {
		r.cp.Stage = string(history.StageRefinement)
		r.cp.RefineFailures = 0
		cp := r.cp
		if err := r.retryIO(ctx, func() error { return o.deps.Docs.WriteCheckpoint(ctx, r.key, cp) }); err != nil {
			r.logger.Warn(ctx, "write checkpoint failed", zap.Error(err))
		}
		r.logger.Info(ctx, "construction complete, refining",
			zap.Int("tokens", guidelines.TokenCount(r.cp.Document)))
	}

	for {
		switch {
		case ctx.Err() != nil:
			return StopCancelled, nil
		case r.cp.RefineFailures >= o.cfg.RefineMaxFailures:
			return StopRefined, nil
		case r.overTime():
			return StopMaxDuration, nil
		}

		index := r.cp.Iteration + 1
		if err := r.setPhase(ctx, PhaseRefining, index); err != nil {
			return "", err
		}

		start := o.now()
		at := r.simplify(ctx, index)
		if ctx.Err() != nil {
			r.logger.Info(ctx, "run cancelled, discarding refinement", zap.Int("iteration", index))
			r.settleEvals(ctx, index, at.eval, false)
			return StopCancelled, nil
		}
		if err := r.record(ctx, res, at, start); err != nil {
			return "", err
		}
	}
}

// record persists a finished attempt and accounts for it in res.
func (r *run) record(ctx context.Context, res *Result, at attempt, start time.Time) error {
	appended, err := r.persist(ctx, &at.rec, at.candidate)
	if err != nil {
		return err
	}
	if r.o.iterTime != nil {
		r.o.iterTime.Record(ctx, r.o.now().Sub(start).Seconds())
	}
	r.settleEvals(ctx, at.rec.Iteration, at.eval, appended && adopts(at.rec.Verdict))
	if !appended {
		return nil
	}
	if res.FirstIteration == 0 {
		res.FirstIteration = at.rec.Iteration
	}
	res.LastIteration = at.rec.Iteration
	return nil
}

func (r *run) shouldStop(ctx context.Context) (StopReason, bool) {
	if ctx.Err() != nil {
		return StopCancelled, true
	}
	// A checkpoint in the refinement stage has finished construction.
	if r.cp.Stage == string(history.StageRefinement) {
		return StopPerfect, true
	}
	if reason, ok := exhausted(r.o.cfg, r.cp); ok {
		return reason, true
	}
	if r.overTime() {
		return StopMaxDuration, true
	}
	return "", false
}

func (r *run) overTime() bool {
	d := r.o.cfg.MaxDuration.Duration()
	return d > 0 && r.o.now().Sub(r.started) >= d
}

// exhausted reports whether the lineage position in cp meets a stop
// condition by itself.
func exhausted(cfg config.OrchestratorConfig, cp guidelines.Checkpoint) (StopReason, bool) {
	switch {
	case cp.ConsecutiveFailures >= 2:
		return StopFailures, true
	case cfg.ShouldStopOnPerfect() && cp.BestTotal > 0 && cp.BestPassed == cp.BestTotal:
		return StopPerfect, true
	case cp.Iteration-cp.BaseIteration >= cfg.MaxIterations:
		return StopMaxIterations, true
	case cp.Stable >= cfg.PlateauIterations:
		return StopPlateau, true
	}
	return "", false
}

// attempt is the outcome of one iteration before it is persisted.
type attempt struct {
	rec       history.Record
	candidate string
	eval      evaluator.Evaluation
}

// failAttempt marks rec failed at step.
func (r *run) failAttempt(ctx context.Context, span trace.Span, rec history.Record, step string, err error) attempt {
	rec.Verdict = history.VerdictFailed
	rec.Error = fmt.Sprintf("%s: %v", step, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, rec.Error)
	span.SetAttributes(attribute.String("verdict", string(rec.Verdict)))
	r.logger.Warn(ctx, "iteration failed",
		zap.String("stage", string(rec.Stage)), zap.String("step", step), zap.Error(err))
	return attempt{rec: rec}
}

// iterate performs one analyze, incorporate, evaluate round against the
// current best document. Failures are reported in the record's verdict.
func (r *run) iterate(ctx context.Context, index int) attempt {
	o := r.o
	ctx = logging.WithIteration(ctx, index)
	ctx, span := o.tracer.Start(ctx, "orchestrator.iteration", trace.WithAttributes(
		attribute.Int("iteration", index),
	))
	defer span.End()

	rec := history.Record{
		Key: r.key, Iteration: index, RunID: r.id, Timestamp: o.now().UTC(),
		Stage: history.StageConstruction,
	}
	fail := func(step string, err error) attempt {
		return r.failAttempt(ctx, span, rec, step, err)
	}

	recent, err := r.recent(ctx)
	if err != nil {
		return fail("history", err)
	}

	patterns := r.patterns(ctx)
	diag, err := retryValue(ctx, r.delay(), func() (agent.Diagnosis, error) {
		return o.deps.Agent.AnalyzeFailures(ctx, agent.AnalysisRequest{
			Key:      r.key,
			Document: r.cp.Document,
			Recent:   recent,
			Failing:  r.cp.Failing(),
			Patterns: patterns,
		})
	})
	if err != nil {
		return fail("analyze", err)
	}
	rec.Feedback = diag.Feedback()
	r.logger.Debug(ctx, "diagnosis", zap.String("category", diag.Category), zap.String("confidence", diag.Confidence))

	revision, err := retryValue(ctx, r.delay(), func() (string, error) {
		return o.deps.Agent.IncorporateFixes(ctx, agent.IncorporationRequest{
			Key:       r.key,
			Document:  r.cp.Document,
			Diagnosis: diag,
			Recent:    recent,
		})
	})
	if err != nil {
		return fail("incorporate", err)
	}
	revision, err = r.resolveRevision(ctx, revision)
	if err != nil {
		return fail("incorporate", err)
	}
	revision = r.redact(ctx, revision)

	eval, runs, err := r.score(ctx, revision, index, o.cfg.StabilityChecks(), evaluator.Evaluation.Perfect)
	if err != nil {
		return fail("evaluate", err)
	}

	rec.Passed, rec.Failed, rec.Total = eval.Passed, eval.Failed, eval.Total
	rec.Results = eval.Results
	rec.Runs = runs
	rec.FlippedToPass, rec.FlippedToFail = history.Flips(r.prev, eval.Results)
	rec.DiffSummary = history.SummarizeDiff(r.cp.Document, revision)
	rec.Tokens = guidelines.TokenCount(revision)
	rec.Verdict = verdict(eval.Passed, r.cp.BestPassed)

	span.SetAttributes(
		attribute.String("verdict", string(rec.Verdict)),
		attribute.Int("passed", eval.Passed),
		attribute.Int("total", eval.Total),
	)
	r.logger.Info(ctx, "iteration evaluated",
		zap.String("verdict", string(rec.Verdict)),
		zap.Int("passed", eval.Passed),
		zap.Int("best_passed", r.cp.BestPassed),
		zap.Int("total", eval.Total),
		zap.String("diff", rec.DiffSummary),
		zap.Int("runs", runs),
	)
	return attempt{rec: rec, candidate: revision, eval: eval}
}

// simplify performs one refinement round: the agent proposes a shorter
// document, which is evaluated until a run falls below the best score.
func (r *run) simplify(ctx context.Context, index int) attempt {
	o := r.o
	ctx = logging.WithIteration(ctx, index)
	ctx, span := o.tracer.Start(ctx, "orchestrator.refinement", trace.WithAttributes(
		attribute.Int("iteration", index),
	))
	defer span.End()

	rec := history.Record{
		Key: r.key, Iteration: index, RunID: r.id, Timestamp: o.now().UTC(),
		Stage: history.StageRefinement,
	}
	fail := func(step string, err error) attempt {
		return r.failAttempt(ctx, span, rec, step, err)
	}

	rejected, err := r.rejected(ctx)
	if err != nil {
		return fail("history", err)
	}
	proposal, err := retryValue(ctx, r.delay(), func() (string, error) {
		return o.deps.Agent.Simplify(ctx, agent.SimplificationRequest{
			Key:      r.key,
			Document: r.cp.Document,
			Rejected: rejected,
		})
	})
	if err != nil {
		return fail("simplify", err)
	}
	proposal, err = r.resolveRevision(ctx, proposal)
	if err != nil {
		return fail("simplify", err)
	}
	proposal = r.redact(ctx, proposal)

	rec.DiffSummary = history.SummarizeDiff(r.cp.Document, proposal)
	rec.Tokens = guidelines.TokenCount(proposal)
	if len(proposal) >= len(r.cp.Document) {
		return fail("simplify", errNotShorter)
	}

	best := r.cp.BestPassed
	keeps := func(ev evaluator.Evaluation) bool { return ev.Passed >= best }
	eval, runs, err := r.score(ctx, proposal, index, max(o.cfg.StabilityChecks(), 1)-1, keeps)
	if err != nil {
		return fail("evaluate", err)
	}

	rec.Passed, rec.Failed, rec.Total = eval.Passed, eval.Failed, eval.Total
	rec.Results = eval.Results
	rec.Runs = runs
	rec.FlippedToPass, rec.FlippedToFail = history.Flips(r.prev, eval.Results)
	rec.Verdict = history.VerdictRejected
	if keeps(eval) {
		rec.Verdict = history.VerdictSimplified
	}

	span.SetAttributes(
		attribute.String("verdict", string(rec.Verdict)),
		attribute.Int("passed", eval.Passed),
		attribute.Int("tokens", rec.Tokens),
	)
	r.logger.Info(ctx, "refinement evaluated",
		zap.String("verdict", string(rec.Verdict)),
		zap.Int("passed", eval.Passed),
		zap.Int("best_passed", best),
		zap.Int("runs", runs),
		zap.Int("tokens", rec.Tokens),
		zap.String("diff", rec.DiffSummary),
	)
	return attempt{rec: rec, candidate: proposal, eval: eval}
}

// score evaluates doc once, then up to extra more times while check
// holds. It returns the worst evaluation and the number of runs made.
func (r *run) score(ctx context.Context, doc string, index, extra int, check func(evaluator.Evaluation) bool) (evaluator.Evaluation, int, error) {
	worst, err := r.evaluate(ctx, doc, index, 1)
	if err != nil {
		return worst, 1, err
	}
	runs := 1
	for runs <= extra && check(worst) {
		runs++
		ev, err := r.evaluate(ctx, doc, index, runs)
		if err != nil {
			return worst, runs, err
		}
		if ev.Passed < worst.Passed {
			r.logger.Info(ctx, "stability check failed",
				zap.Int("run", runs), zap.Int("passed", ev.Passed), zap.Int("previous_passed", worst.Passed))
			worst = ev
		}
	}
	return worst, runs, nil
}

// evaluate runs attempt n of the evaluation at iteration index.
func (r *run) evaluate(ctx context.Context, doc string, index, n int) (evaluator.Evaluation, error) {
	req := evaluator.EvalRequest{Key: r.key, Document: doc, RunID: r.id, Iteration: index}
	if r.o.evalDir != "" {
		req.OutputDir = EvalOutputPath(r.o.evalDir, r.key, r.id, index, n)
	}
	return retryValue(ctx, r.delay(), func() (evaluator.Evaluation, error) {
		if req.OutputDir != "" {
			if err := os.RemoveAll(req.OutputDir); err != nil {
				return evaluator.Evaluation{}, err
			}
		}
		return r.o.deps.Evaluator.Evaluate(ctx, req)
	})
}

// settleEvals keeps the eval output of an adopted document, saves its
// report and drops the output of every other iteration of this run.
// Output of an attempt that was not adopted is removed.
func (r *run) settleEvals(ctx context.Context, index int, ev evaluator.Evaluation, adopted bool) {
	if adopted {
		if err := r.o.reports.Save(ctx, evaluator.NewReport(r.key, r.id, index, ev)); err != nil {
			r.logger.Warn(ctx, "save eval report", zap.Error(err))
		}
	}
	if r.o.evalDir == "" {
		return
	}
	root := evalRoot(r.o.evalDir, r.key, r.id)
	if !adopted {
		if err := os.RemoveAll(filepath.Join(root, iterationDir(index))); err != nil {
			r.logger.Warn(ctx, "remove eval output", zap.Error(err))
		}
		return
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Name() == iterationDir(index) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			r.logger.Warn(ctx, "remove eval output", zap.Error(err))
		}
	}
}

// patterns groups the failures of the best document by run log error.
func (r *run) patterns(ctx context.Context) []evaluator.FailurePattern {
	rep, ok, err := r.o.reports.Load(ctx, r.key)
	if err != nil || !ok || rep.Iteration != r.cp.BestIteration {
		return nil
	}
	return rep.GroupFailures()
}

// rejected returns the refinement attempts made on the current document,
// newest first.
func (r *run) rejected(ctx context.Context) ([]history.Record, error) {
	recs, err := r.o.deps.History.Recent(ctx, r.key, r.o.cfg.RefineMaxFailures)
	if err != nil {
		return nil, err
	}
	var out []history.Record
	for _, rec := range recs {
		if rec.Stage != history.StageRefinement || rec.Verdict == history.VerdictSimplified {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

func verdict(passed, best int) history.Verdict {
	switch {
	case passed > best:
		return history.VerdictImproved
	case passed < best:
		return history.VerdictRegressed
	default:
		return history.VerdictNoChange
	}
}

func (r *run) recent(ctx context.Context) ([]history.Record, error) {
	var out []history.Record
	for rec, err := range r.o.deps.History.RecentFeedback(ctx, r.key, r.o.cfg.RecentWindow) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// resolveRevision falls back to the proposal submitted through the tool
// surface when the agent returned no document.
func (r *run) resolveRevision(ctx context.Context, revision string) (string, error) {
	docs := r.o.deps.Docs
	if strings.TrimSpace(revision) != "" {
		if err := docs.DiscardProposal(ctx, r.key); err != nil {
			r.logger.Warn(ctx, "discard stale proposal", zap.Error(err))
		}
		return revision, nil
	}
	p, ok, err := docs.TakeProposal(ctx, r.key)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(p.Content) == "" {
		return "", errNoRevision
	}
	r.logger.Info(ctx, "using proposed revision", zap.String("rationale", p.Rationale))
	return p.Content, nil
}

func (r *run) redact(ctx context.Context, doc string) string {
	res := r.o.deps.Redactor.Redact(doc)
	if len(res.Redactions) > 0 {
		r.logger.Warn(ctx, "redacted secrets from revision",
			zap.Int("count", len(res.Redactions)),
			zap.Strings("rules", res.RuleIDs()),
		)
	}
	return res.Content
}

// persist writes the iteration in order: working, history, checkpoint.
// appended is false when the history record could not be written, in
// which case the position does not advance.
func (r *run) persist(ctx context.Context, rec *history.Record, candidate string) (appended bool, err error) {
	o := r.o
	next := r.cp
	doc := next.Document
	if adopts(rec.Verdict) {
		doc = candidate
	}

	if werr := r.retryIO(ctx, func() error { return o.deps.Docs.WriteWorking(ctx, r.key, doc) }); werr != nil {
		r.logger.Warn(ctx, "write working failed", zap.Error(werr))
		rec.Verdict = history.VerdictFailed
		rec.Error = "write working: " + werr.Error()
	}
	apply(&next, *rec, candidate)

	aerr := r.retryIO(ctx, func() error {
		if err := o.deps.History.Append(ctx, *rec); err != nil {
			if errors.Is(err, history.ErrInvariant) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	})
	if errors.Is(aerr, history.ErrInvariant) {
		return false, newError(KindInvariant, "append history", r.key, aerr)
	}
	if aerr != nil {
		r.logger.Warn(ctx, "append history failed", zap.Error(aerr))
		r.fault(rec.Stage)
		r.count(ctx, history.VerdictFailed)
		return false, nil
	}

	r.cp = next
	if cerr := r.retryIO(ctx, func() error { return o.deps.Docs.WriteCheckpoint(ctx, r.key, next) }); cerr != nil {
		r.logger.Warn(ctx, "write checkpoint failed", zap.Error(cerr))
		r.fault(rec.Stage)
	}
	if rec.Verdict != history.VerdictFailed {
		r.prev = rec.Results
	}

	r.count(ctx, rec.Verdict)
	o.publish(ctx, events.Event{Type: events.Iteration, Key: r.key, RunID: r.id, Iteration: rec.Iteration, Record: rec})
	phase := PhaseIterating
	if rec.Stage == history.StageRefinement {
		phase = PhaseRefining
	}
	r.progress(phase, rec.Iteration, "", rec)
	return true, nil
}

// fault counts an iteration whose outcome could not be fully persisted.
func (r *run) fault(stage history.Stage) {
	if stage == history.StageRefinement {
		r.cp.RefineFailures++
		return
	}
	r.cp.ConsecutiveFailures++
	r.cp.Stable = 0
}

// adopts reports whether v replaces the best document.
func adopts(v history.Verdict) bool {
	return v == history.VerdictImproved || v == history.VerdictSimplified
}

// apply advances cp by one iteration with verdict rec.Verdict.
func apply(cp *guidelines.Checkpoint, rec history.Record, candidate string) {
	switch rec.Verdict {
	case history.VerdictImproved:
		cp.Document = candidate
		cp.BestPassed = rec.Passed
		cp.BestTotal = rec.Total
		cp.BestIteration = rec.Iteration
		cp.LastResults = rec.Results
		cp.Improvements++
		cp.Stable = 0
		cp.ConsecutiveFailures = 0
	case history.VerdictSimplified:
		cp.Document = candidate
		cp.BestPassed = rec.Passed
		cp.BestTotal = rec.Total
		cp.BestIteration = rec.Iteration
		cp.LastResults = rec.Results
		cp.Simplifications++
		cp.RefineFailures = 0
	case history.VerdictRejected:
		cp.RefineFailures++
	case history.VerdictNoChange, history.VerdictRegressed:
		cp.Stable++
		cp.ConsecutiveFailures = 0
	default:
		if rec.Stage == history.StageRefinement {
			cp.RefineFailures++
			break
		}
		cp.ConsecutiveFailures++
		cp.Stable = 0
	}
	cp.Iteration = rec.Iteration
	cp.RunID = rec.RunID
}

func (r *run) commit(ctx context.Context, res *Result, reason string) error {
	o := r.o
	if err := r.setPhase(ctx, PhaseCommitting, r.cp.Iteration); err != nil {
		return err
	}
	cp := r.cp
	if !cp.Committing {
		cp.Committing = true
		if err := r.retryIO(ctx, func() error { return o.deps.Docs.WriteCheckpoint(ctx, r.key, cp) }); err != nil {
			return newError(KindRecoverableIO, "commit", r.key, err)
		}
		r.cp = cp
	}
	if err := r.retryIO(ctx, func() error { return o.deps.Docs.Commit(ctx, r.key, cp.Document, cp.RunID) }); err != nil {
		return newError(KindRecoverableIO, "commit", r.key, err)
	}

	res.Outcome = OutcomeCommitted
	res.Reason = reason
	r.logger.Info(ctx, "committed guidelines",
		zap.Int("best_iteration", cp.BestIteration),
		zap.Int("best_passed", cp.BestPassed),
		zap.Int("best_total", cp.BestTotal),
		zap.Int("tokens", guidelines.TokenCount(cp.Document)),
	)
	o.publish(ctx, events.Event{Type: events.Committed, Key: r.key, RunID: r.id, Iteration: cp.BestIteration, Reason: reason})
	return nil
}

func (r *run) abandon(ctx context.Context, res *Result, reason string) {
	if err := r.setPhase(ctx, PhaseAbandoning, r.cp.Iteration); err != nil {
		r.logger.Warn(ctx, "status update while abandoning", zap.Error(err))
	}
	res.Outcome = OutcomeAbandoned
	res.Reason = reason
	r.logger.Warn(ctx, "run abandoned, state kept for resume", zap.String("reason", reason))
	r.o.publish(ctx, events.Event{Type: events.Abandoned, Key: r.key, RunID: r.id, Iteration: r.cp.Iteration, Reason: reason})
}

// setPhase logs a transition and mirrors it into the lock record. A lost
// lock is fatal.
func (r *run) setPhase(ctx context.Context, phase Phase, iteration int) error {
	r.logger.Info(ctx, "phase transition", zap.String("phase", string(phase)), zap.Int("iteration", iteration))
	r.progress(phase, iteration, "")
	err := r.o.deps.Locks.UpdateStatus(context.WithoutCancel(ctx), r.key, lock.Update{
		RunID:     r.id,
		Status:    lock.StatusRunning,
		Phase:     string(phase),
		Iteration: iteration,
	})
	if errors.Is(err, lock.ErrLockLost) {
		return newError(KindInvariant, "update status", r.key, err)
	}
	if err != nil {
		r.logger.Warn(ctx, "update lock status", zap.Error(err))
	}
	return nil
}

func (r *run) progress(phase Phase, iteration int, msg string, rec ...*history.Record) {
	p := Progress{Key: r.key, RunID: r.id, Phase: phase, Iteration: iteration, Message: msg}
	if len(rec) > 0 {
		p.Record = rec[0]
	}
	r.o.report(p)
}

func (r *run) count(ctx context.Context, v history.Verdict) {
	if r.o.iterCount != nil {
		r.o.iterCount.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", string(v))))
	}
}

func (r *run) fill(res *Result) {
	res.BestPassed = r.cp.BestPassed
	res.BestTotal = r.cp.BestTotal
	res.BestIteration = r.cp.BestIteration
	res.Improvements = r.cp.Improvements
	res.Simplifications = r.cp.Simplifications
}

func (r *run) delay() time.Duration {
	return r.o.cfg.RetryDelay.Duration()
}

func (r *run) retryIO(ctx context.Context, op func() error) error {
	_, err := retryValue(ctx, r.delay(), func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// retryValue runs op and retries it once after delay. Errors after the
// context is done are not retried.
func retryValue[T any](ctx context.Context, delay time.Duration, op func() (T, error)) (T, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), 1), ctx)
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, policy)
}
