// Package status reports the state of every known (provider, model) key
// from the shared store, without taking any lock.
package status

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/guidesmith/internal/guidelines"
	"github.com/fyrsmithlabs/guidesmith/internal/history"
	"github.com/fyrsmithlabs/guidesmith/internal/kv"
	"github.com/fyrsmithlabs/guidesmith/internal/lock"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

// State classifies a key.
type State string

const (
	// StateRunning means a live process holds the lock.
	StateRunning State = "running"
	// StatePaused means a run was interrupted: a lock whose holder is gone,
	// or a checkpoint without a lock.
	StatePaused State = "paused"
	// StateComplete means a committed document exists and no run is
	// pending.
	StateComplete State = "complete"
	// StateNotStarted means nothing was ever persisted for the key.
	StateNotStarted State = "not-started"
)

// Classify derives the state from what exists in the store.
func Classify(lockFound, lockLive, hasCheckpoint, hasCommitted bool) State {
	switch {
	case lockFound && lockLive:
		return StateRunning
	case lockFound, hasCheckpoint:
		return StatePaused
	case hasCommitted:
		return StateComplete
	default:
		return StateNotStarted
	}
}

// KeyStatus is the reported state of one key.
type KeyStatus struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	State    State  `json:"state"`

	Holder        string     `json:"holder,omitempty"`
	Host          string     `json:"host,omitempty"`
	RunID         string     `json:"run_id,omitempty"`
	Phase         string     `json:"phase,omitempty"`
	Iteration     int        `json:"iteration,omitempty"`
	LockUpdatedAt *time.Time `json:"lock_updated_at,omitempty"`

	HasCommitted    bool `json:"has_committed"`
	CommittedTokens int  `json:"committed_tokens,omitempty"`
	HasCheckpoint   bool `json:"has_checkpoint"`

	CheckpointIteration int `json:"checkpoint_iteration,omitempty"`
	BestPassed          int `json:"best_passed"`
	BestTotal           int `json:"best_total"`
	Improvements        int `json:"improvements,omitempty"`

	LastIteration int        `json:"last_iteration,omitempty"`
	LastVerdict   string     `json:"last_verdict,omitempty"`
	LastAt        *time.Time `json:"last_at,omitempty"`

	// Error describes a committed document that could not be read.
	Error string `json:"error,omitempty"`
}

// Key returns the target key of s.
func (s KeyStatus) Key() target.Key {
	return target.Key{Provider: s.Provider, Model: s.Model}
}

// Reporter assembles KeyStatus values.
type Reporter struct {
	store kv.Store
	locks *lock.Manager
	docs  *guidelines.Store
	hist  *history.Log
}

// NewReporter creates a Reporter.
func NewReporter(store kv.Store, locks *lock.Manager, docs *guidelines.Store, hist *history.Log) *Reporter {
	return &Reporter{store: store, locks: locks, docs: docs, hist: hist}
}

// Key reports on one key. Keys never seen are reported as not started.
func (r *Reporter) Key(ctx context.Context, key target.Key) (KeyStatus, error) {
	if err := key.Validate(); err != nil {
		return KeyStatus{}, err
	}
	st := KeyStatus{Provider: key.Provider, Model: key.Model}

	rec, live, found, err := r.locks.Inspect(ctx, key)
	if err != nil {
		return KeyStatus{}, fmt.Errorf("inspect lock %s: %w", key, err)
	}
	if found {
		st.Holder, st.Host, st.RunID = rec.Holder, rec.Host, rec.RunID
		st.Phase, st.Iteration = rec.Phase, rec.Iteration
		if !rec.UpdatedAt.IsZero() {
			t := rec.UpdatedAt
			st.LockUpdatedAt = &t
		}
	}

	committed, err := r.docs.ReadCommitted(ctx, key)
	switch {
	case err == nil:
		st.HasCommitted = true
		st.CommittedTokens = guidelines.TokenCount(committed)
	case errors.Is(err, guidelines.ErrCorruptBaseline):
		st.HasCommitted = true
		st.Error = err.Error()
	case !errors.Is(err, guidelines.ErrNotFound):
		return KeyStatus{}, err
	}

	cp, ok, err := r.docs.ReadCheckpoint(ctx, key)
	if err != nil {
		return KeyStatus{}, err
	}
	if ok {
		st.HasCheckpoint = true
		st.CheckpointIteration = cp.Iteration
		st.BestPassed, st.BestTotal = cp.BestPassed, cp.BestTotal
		st.Improvements = cp.Improvements
	}

	last, ok, err := r.hist.Last(ctx, key)
	if err != nil {
		return KeyStatus{}, err
	}
	if ok {
		st.LastIteration = last.Iteration
		st.LastVerdict = string(last.Verdict)
		t := last.Timestamp
		st.LastAt = &t
		if !st.HasCheckpoint && last.Verdict != history.VerdictFailed {
			st.BestPassed, st.BestTotal = bestOf(ctx, r.hist, key, last)
		}
	}

	st.State = Classify(found, live, st.HasCheckpoint, st.HasCommitted)
	return st, nil
}

// bestOf scans the retained history for the best score when no
// checkpoint carries it.
func bestOf(ctx context.Context, hist *history.Log, key target.Key, fallback history.Record) (int, int) {
	recs, err := hist.All(ctx, key)
	if err != nil {
		return fallback.Passed, fallback.Total
	}
	best := fallback
	for _, rec := range recs {
		if rec.Verdict != history.VerdictFailed && rec.Passed > best.Passed {
			best = rec
		}
	}
	return best.Passed, best.Total
}

// All reports on every registered key, ordered by provider then model.
func (r *Reporter) All(ctx context.Context) ([]KeyStatus, error) {
	keys, err := target.Known(ctx, r.store)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]KeyStatus, 0, len(keys))
	for _, k := range keys {
		st, err := r.Key(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

// Counts tallies statuses by state.
func Counts(statuses []KeyStatus) map[State]int {
	out := map[State]int{StateRunning: 0, StatePaused: 0, StateComplete: 0, StateNotStarted: 0}
	for _, st := range statuses {
		out[st.State]++
	}
	return out
}
