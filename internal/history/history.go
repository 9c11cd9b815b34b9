// Package history keeps the append-only iteration log of each key.
//
// Records are stored one per kv entry at history/<slug>/<index>, with the
// index zero-padded so lexical order is iteration order. Indices are
// contiguous from 1 for the lifetime of a key: a resumed run, and every
// later run, continues the sequence.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/guidesmith/internal/kv"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

// ErrInvariant is returned when an append would break index contiguity.
var ErrInvariant = errors.New("history: invariant violation")

// Verdict classifies an iteration outcome.
type Verdict string

const (
	VerdictImproved  Verdict = "improved"
	VerdictNoChange  Verdict = "no_change"
	VerdictRegressed Verdict = "regressed"
	VerdictFailed    Verdict = "failed"

	// Refinement verdicts. A simplified document kept the best score with
	// fewer tokens; a rejected one lost at least one eval in some run.
	VerdictSimplified Verdict = "simplified"
	VerdictRejected   Verdict = "rejected"
)

// Stage names the part of a run an iteration belongs to.
type Stage string

const (
	StageConstruction Stage = "construction"
	StageRefinement   Stage = "refinement"
)

// Feedback is the structured diagnosis produced for an iteration.
type Feedback struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Remedy      string `json:"remedy"`
	Confidence  string `json:"confidence,omitempty"`
}

// Record is one iteration attempt.
type Record struct {
	Key       target.Key `json:"key"`
	Iteration int        `json:"iteration"`
	RunID     string     `json:"run_id"`
	Feedback  Feedback   `json:"feedback"`
	Verdict   Verdict    `json:"verdict"`
	Timestamp time.Time  `json:"timestamp"`

	Passed  int             `json:"passed"`
	Failed  int             `json:"failed"`
	Total   int             `json:"total"`
	Results map[string]bool `json:"results,omitempty"`

	// Runs is how many evaluations produced the score. The score is the
	// worst of them.
	Runs  int   `json:"runs,omitempty"`
	Stage Stage `json:"stage,omitempty"`

	FlippedToPass []string `json:"flipped_to_pass,omitempty"`
	FlippedToFail []string `json:"flipped_to_fail,omitempty"`
	DiffSummary   string   `json:"diff_summary,omitempty"`
	Tokens        int      `json:"tokens"`

	// Error holds the failure cause of a failed iteration.
	Error string `json:"error,omitempty"`
}

// Log reads and appends iteration records.
type Log struct {
	kv         kv.Store
	maxRecords int
}

// Option configures a Log.
type Option func(*Log)

// WithMaxRecords caps the retained records per key. Zero keeps all.
func WithMaxRecords(n int) Option {
	return func(l *Log) { l.maxRecords = n }
}

// NewLog creates a Log over store.
func NewLog(store kv.Store, opts ...Option) *Log {
	l := &Log{kv: store}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func prefix(k target.Key) string {
	return kv.Join("history", k.Slug()) + "/"
}

func recordKey(k target.Key, iteration int) string {
	return fmt.Sprintf("%s%08d", prefix(k), iteration)
}

// indices returns the stored iteration indices for key in ascending order.
func (l *Log) indices(ctx context.Context, key target.Key) ([]int, error) {
	names, err := l.kv.List(ctx, prefix(key))
	if err != nil {
		return nil, fmt.Errorf("list history %s: %w", key, err)
	}
	out := make([]int, 0, len(names))
	for _, name := range names {
		n, err := strconv.Atoi(strings.TrimPrefix(name, prefix(key)))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// LastIndex returns the newest stored iteration index, or 0.
func (l *Log) LastIndex(ctx context.Context, key target.Key) (int, error) {
	idx, err := l.indices(ctx, key)
	if err != nil || len(idx) == 0 {
		return 0, err
	}
	return idx[len(idx)-1], nil
}

// Append stores rec, which must carry the next index for its key.
func (l *Log) Append(ctx context.Context, rec Record) error {
	if err := rec.Key.Validate(); err != nil {
		return err
	}
	last, err := l.LastIndex(ctx, rec.Key)
	if err != nil {
		return err
	}
	if rec.Iteration != last+1 {
		return fmt.Errorf("%w: %s: append iteration %d after %d", ErrInvariant, rec.Key, rec.Iteration, last)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	created, err := l.kv.PutIfAbsent(ctx, recordKey(rec.Key, rec.Iteration), data)
	if err != nil {
		return fmt.Errorf("append history %s: %w", rec.Key, err)
	}
	if !created {
		return fmt.Errorf("%w: %s: iteration %d already recorded", ErrInvariant, rec.Key, rec.Iteration)
	}
	return l.prune(ctx, rec.Key)
}

func (l *Log) prune(ctx context.Context, key target.Key) error {
	if l.maxRecords <= 0 {
		return nil
	}
	idx, err := l.indices(ctx, key)
	if err != nil {
		return err
	}
	for i := 0; i < len(idx)-l.maxRecords; i++ {
		if err := l.kv.Delete(ctx, recordKey(key, idx[i])); err != nil {
			return fmt.Errorf("prune history %s: %w", key, err)
		}
	}
	return nil
}

func (l *Log) get(ctx context.Context, key target.Key, iteration int) (Record, error) {
	data, err := l.kv.Get(ctx, recordKey(key, iteration))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode history %s #%d: %w", key, iteration, err)
	}
	return rec, nil
}

// RecentFeedback yields at most limit records for key, newest first. Each
// range reads the store again, so records appended between ranges show up.
// A non-positive limit yields nothing.
func (l *Log) RecentFeedback(ctx context.Context, key target.Key, limit int) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if limit <= 0 {
			return
		}
		idx, err := l.indices(ctx, key)
		if err != nil {
			yield(Record{}, err)
			return
		}
		for i, n := len(idx)-1, 0; i >= 0 && n < limit; i-- {
			rec, err := l.get(ctx, key, idx[i])
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			if !yield(rec, err) || err != nil {
				return
			}
			n++
		}
	}
}

// Recent collects RecentFeedback into a slice.
func (l *Log) Recent(ctx context.Context, key target.Key, limit int) ([]Record, error) {
	var out []Record
	for rec, err := range l.RecentFeedback(ctx, key, limit) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Last returns the newest record for key.
func (l *Log) Last(ctx context.Context, key target.Key) (Record, bool, error) {
	recs, err := l.Recent(ctx, key, 1)
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	return recs[0], true, nil
}

// All returns every retained record for key, oldest first.
func (l *Log) All(ctx context.Context, key target.Key) ([]Record, error) {
	idx, err := l.indices(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(idx))
	for _, n := range idx {
		rec, err := l.get(ctx, key, n)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
