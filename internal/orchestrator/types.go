package orchestrator

import (
	"time"

	"github.com/fyrsmithlabs/guidesmith/internal/history"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

// Phase is a state of the run state machine. It is mirrored into the
// lock record.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseAcquiring  Phase = "acquiring"
	PhaseRestoring  Phase = "restoring"
	PhaseIterating  Phase = "iterating"
	PhaseRefining   Phase = "refining"
	PhaseDeciding   Phase = "deciding"
	PhaseCommitting Phase = "committing"
	PhaseAbandoning Phase = "abandoning"
	PhaseReleased   Phase = "released"
)

// Outcome is the terminal result of a run.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// Exit codes. They are part of the CLI contract.
const (
	ExitCommitted = 0
	ExitFailed    = 1
	ExitAbandoned = 2
	ExitRejected  = 3
	ExitUsage     = 64
)

// ExitCode maps an outcome to the process exit code.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeCommitted:
		return ExitCommitted
	case OutcomeAbandoned:
		return ExitAbandoned
	case OutcomeRejected:
		return ExitRejected
	default:
		return ExitFailed
	}
}

// StopReason explains why the iteration loop ended.
type StopReason string

const (
	StopMaxIterations StopReason = "max_iterations"
	StopPlateau       StopReason = "plateau"
	StopFailures      StopReason = "consecutive_failures"
	StopMaxDuration   StopReason = "max_duration"
	StopPerfect       StopReason = "perfect"
	StopCancelled     StopReason = "cancelled"
	StopBaseline      StopReason = "baseline_evaluation_failed"
	// StopRefined ends refinement after too many rejected simplifications
	// in a row.
	StopRefined StopReason = "refined"
)

// commits reports whether a loop ending for r may commit.
func (r StopReason) commits() bool {
	switch r {
	case StopMaxIterations, StopPlateau, StopMaxDuration, StopPerfect, StopRefined:
		return true
	}
	return false
}

// Result summarizes a run.
type Result struct {
	RunID   string     `json:"run_id"`
	Key     target.Key `json:"key"`
	Outcome Outcome    `json:"outcome"`
	Reason  string     `json:"reason,omitempty"`
	Stop    StopReason `json:"stop_reason,omitempty"`

	// Resumed is set when the run continued an earlier checkpoint.
	Resumed bool `json:"resumed"`
	// FirstIteration and LastIteration bound the history indices this run
	// appended. Both are zero when it appended none.
	FirstIteration int `json:"first_iteration,omitempty"`
	LastIteration  int `json:"last_iteration,omitempty"`

	BestPassed    int `json:"best_passed"`
	BestTotal     int `json:"best_total"`
	BestIteration int `json:"best_iteration"`
	Improvements  int `json:"improvements"`
	// Simplifications counts the refinement proposals that were kept.
	Simplifications int `json:"simplifications,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Iterations returns how many history records this run appended.
func (r Result) Iterations() int {
	if r.LastIteration == 0 {
		return 0
	}
	return r.LastIteration - r.FirstIteration + 1
}

// Progress reports a phase transition or a finished iteration.
type Progress struct {
	Key       target.Key      `json:"key"`
	RunID     string          `json:"run_id"`
	Phase     Phase           `json:"phase"`
	Iteration int             `json:"iteration"`
	Record    *history.Record `json:"record,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// ProgressCallback receives progress updates during a run.
type ProgressCallback func(Progress)
