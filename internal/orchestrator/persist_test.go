package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/guidesmith/internal/agent"
	"github.com/fyrsmithlabs/guidesmith/internal/evaluator"
	"github.com/fyrsmithlabs/guidesmith/internal/guidelines"
	"github.com/fyrsmithlabs/guidesmith/internal/history"
	"github.com/fyrsmithlabs/guidesmith/internal/lock"
)

func TestRun_HistoryAheadOfCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newScoreEvaluator(3, map[string]int{"v0": 1, "v1": 2}))

	require.NoError(t, f.docs.WriteCheckpoint(ctx, testKey, guidelines.Checkpoint{
		RunID:      "old",
		Iteration:  0,
		Document:   "v0",
		BestPassed: 1,
		BestTotal:  3,
	}))
	// The previous run appended iteration 1 and died before its checkpoint.
	require.NoError(t, f.hist.Append(ctx, history.Record{
		Key: testKey, Iteration: 1, RunID: "old", Verdict: history.VerdictNoChange,
	}))
	f.agent.On("AnalyzeFailures", mock.Anything, mock.Anything).Return(diagnosis, nil)
	f.agent.On("IncorporateFixes", mock.Anything, mock.Anything).Return("v1", nil)

	res, err := f.orchestrator(t, testConfig()).Run(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, 2, res.FirstIteration)
	assert.Equal(t, 3, res.LastIteration)
	assert.Equal(t, 2, res.BestIteration)
	assert.Equal(t, []int{2, 3}, f.eval.iterations())

	assert.Equal(t, []history.Verdict{
		history.VerdictNoChange, history.VerdictImproved, history.VerdictNoChange,
	}, f.verdicts(t))
}

func TestRun_FailedWorkingWriteFailsIteration(t *testing.T) {
	ctx := context.Background()
	eval := newScoreEvaluator(3, map[string]int{"v0": 1, "v1": 2, "v2": 2})
	f := newFixture(t, eval)
	faults := f.withFaults()
	eval.hook = func(req evaluator.EvalRequest) error {
		switch req.Iteration {
		case 1:
			faults.arm("working/")
		case 2:
			faults.disarm()
		}
		return nil
	}
	f.agent.On("AnalyzeFailures", mock.Anything, mock.Anything).Return(diagnosis, nil)
	f.agent.On("IncorporateFixes", mock.Anything, mock.Anything).Return("v1", nil).Once()
	f.agent.On("IncorporateFixes", mock.Anything, mock.Anything).Return("v2", nil)

	res, err := f.orchestrator(t, testConfig()).Run(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, res.Outcome)

	assert.Equal(t, []history.Verdict{
		history.VerdictFailed, history.VerdictImproved, history.VerdictNoChange,
	}, f.verdicts(t))
	recs, err := f.hist.All(ctx, testKey)
	require.NoError(t, err)
	assert.Contains(t, recs[0].Error, "write working")
	assert.Equal(t, 2, recs[0].Passed, "the evaluation is still recorded")

	committed, err := f.docs.ReadCommitted(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, "v2", committed)
}

func TestRun_FailedAppendDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	eval := newScoreEvaluator(3, map[string]int{"v0": 1, "v1": 2, "v2": 2})
	f := newFixture(t, eval)
	faults := f.withFaults()
	var mu sync.Mutex
	calls := 0
	eval.hook = func(evaluator.EvalRequest) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		switch calls {
		case 2:
			faults.arm("history/")
		case 3:
			faults.disarm()
		}
		return nil
	}
	f.agent.On("AnalyzeFailures", mock.Anything, mock.Anything).Return(diagnosis, nil)
	f.agent.On("IncorporateFixes", mock.Anything, mock.Anything).Return("v1", nil).Once()
	f.agent.On("IncorporateFixes", mock.Anything, mock.Anything).Return("v2", nil)

	res, err := f.orchestrator(t, testConfig()).Run(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, 1, res.FirstIteration)
	assert.Equal(t, 2, res.LastIteration)

	// Iteration 1 is evaluated twice: the first outcome was never recorded.
	assert.Equal(t, []int{0, 1, 1, 2}, eval.iterations())
	assert.Equal(t, []history.Verdict{history.VerdictImproved, history.VerdictNoChange}, f.verdicts(t))

	committed, err := f.docs.ReadCommitted(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, "v2", committed)
}

func TestRun_FailedCheckpointWriteCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	eval := newScoreEvaluator(3, map[string]int{"v0": 1, "v1": 2})
	f := newFixture(t, eval)
	faults := f.withFaults()
	eval.hook = func(req evaluator.EvalRequest) error {
		if req.Iteration == 1 {
			faults.arm("checkpoints/")
		}
		return nil
	}
	f.agent.On("AnalyzeFailures", mock.Anything, mock.Anything).Return(diagnosis, nil)
	f.agent.On("IncorporateFixes", mock.Anything, mock.Anything).Return("v1", nil)

	cfg := testConfig()
	cfg.MaxIterations = 2

	res, err := f.orchestrator(t, cfg).Run(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.Equal(t, StopMaxIterations, res.Stop)
	assert.Equal(t, "final iteration failed", res.Reason)
	assert.Equal(t, []history.Verdict{history.VerdictImproved, history.VerdictNoChange}, f.verdicts(t))

	cp, ok, err := f.docs.ReadCheckpoint(ctx, testKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, cp.Iteration, "the stored checkpoint never moved past the baseline")
	assert.Equal(t, "v0", cp.Document)

	committed, _, err := f.docs.HasState(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, committed)
	f.assertUnlocked(t)
}

func TestRun_LockLostMidRun(t *testing.T) {
	ctx := context.Background()
	eval := newScoreEvaluator(3, map[string]int{"v0": 1, "v1": 2})
	f := newFixture(t, eval)
	eval.hook = func(req evaluator.EvalRequest) error {
		if req.Iteration == 1 {
			return f.store.Delete(context.Background(), lock.StoreKey(testKey))
		}
		return nil
	}
	f.agent.On("AnalyzeFailures", mock.Anything, mock.Anything).Return(diagnosis, nil)
	f.agent.On("IncorporateFixes", mock.Anything, mock.Anything).Return("v1", nil)

	cfg := testConfig()
	cfg.PlateauIterations = 5

	res, err := f.orchestrator(t, cfg).Run(ctx, testKey)
	require.Error(t, err)
	assert.Equal(t, KindInvariant, KindOf(err))
	assert.ErrorIs(t, err, lock.ErrLockLost)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, []int{0, 1}, eval.iterations(), "no iteration starts without the lock")

	_, err = f.docs.ReadCommitted(ctx, testKey)
	assert.ErrorIs(t, err, guidelines.ErrNotFound)
}

func TestRun_KeepsEvalOutputOfBestDocument(t *testing.T) {
	ctx := context.Background()
	eval := newScoreEvaluator(3, map[string]int{"v0": 1, "v1": 2})
	f := newFixture(t, eval)
	eval.hook = func(req evaluator.EvalRequest) error {
		if req.OutputDir == "" {
			return nil
		}
		for _, name := range []string{"eval_01", "eval_02"} {
			dir := filepath.Join(req.OutputDir, "output", testKey.Model, name)
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return err
			}
			log := []byte("running\nTypeError: v.json is not a function\n")
			if err := os.WriteFile(filepath.Join(dir, "run.log"), log, 0o600); err != nil {
				return err
			}
		}
		return nil
	}
	f.agent.On("AnalyzeFailures", mock.Anything, mock.MatchedBy(func(req agent.AnalysisRequest) bool {
		return len(req.Patterns) == 1 && req.Patterns[0].Pattern == "v.json() does not exist" &&
			req.Patterns[0].Count == 2
	})).Return(diagnosis, nil).Once()
	f.agent.On("AnalyzeFailures", mock.Anything, mock.MatchedBy(func(req agent.AnalysisRequest) bool {
		return len(req.Patterns) == 1 && req.Patterns[0].Count == 1
	})).Return(diagnosis, nil).Once()
	f.agent.On("IncorporateFixes", mock.Anything, mock.Anything).Return("v1", nil)

	res, err := f.orchestrator(t, testConfig(), WithEvalOutputDir(f.dir)).Run(ctx, testKey)
	require.NoError(t, err)
	f.agent.AssertExpectations(t)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, 1, res.BestIteration)

	rep, ok, err := evaluator.NewReports(f.store).Load(ctx, testKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, rep.Iteration)
	assert.Equal(t, "run-1", rep.RunID)
	assert.Equal(t, EvalOutputPath(f.dir, testKey, "run-1", 1, 1), rep.OutputDir)
	assert.Equal(t, []string{"eval_02"}, rep.Failing())
	assert.FileExists(t, filepath.Join(rep.OutputDir, "output", testKey.Model, "eval_02", "run.log"))

	entries, err := os.ReadDir(filepath.Join(f.dir, "runs", testKey.Slug(), "run-1", "evals"))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"00000001"}, names, "only the adopted iteration keeps its output")
}
