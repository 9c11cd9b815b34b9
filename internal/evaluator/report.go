package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/guidesmith/internal/kv"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

// Report describes the kept eval output of the best document of a run.
type Report struct {
	Key       target.Key      `json:"key"`
	RunID     string          `json:"run_id"`
	Iteration int             `json:"iteration"`
	Model     string          `json:"model"`
	OutputDir string          `json:"output_dir"`
	Passed    int             `json:"passed"`
	Failed    int             `json:"failed"`
	Total     int             `json:"total"`
	Results   map[string]bool `json:"results"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewReport builds the report of ev for key.
func NewReport(key target.Key, runID string, iteration int, ev Evaluation) Report {
	return Report{
		Key:       key,
		RunID:     runID,
		Iteration: iteration,
		Model:     key.Model,
		OutputDir: ev.OutputDir,
		Passed:    ev.Passed,
		Failed:    ev.Failed,
		Total:     ev.Total,
		Results:   ev.Results,
		CreatedAt: time.Now().UTC(),
	}
}

// Failing returns the names of failed evals, sorted.
func (r Report) Failing() []string {
	var out []string
	for name, ok := range r.Results {
		if !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Reports persists one Report per key.
type Reports struct {
	kv kv.Store
}

// NewReports creates a Reports backed by store.
func NewReports(store kv.Store) *Reports {
	return &Reports{kv: store}
}

func reportKey(k target.Key) string { return kv.Join("evals", k.Slug()) }

// Save replaces the report of r.Key.
func (s *Reports) Save(ctx context.Context, r Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, reportKey(r.Key), data); err != nil {
		return fmt.Errorf("write eval report %s: %w", r.Key, err)
	}
	return nil
}

// Load returns the report of key. ok is false when none was saved or the
// stored value cannot be decoded.
func (s *Reports) Load(ctx context.Context, key target.Key) (Report, bool, error) {
	data, err := s.kv.Get(ctx, reportKey(key))
	if errors.Is(err, kv.ErrNotFound) {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, fmt.Errorf("read eval report %s: %w", key, err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, false, nil
	}
	return r, true, nil
}

// Delete removes the report of key. A missing report is not an error.
func (s *Reports) Delete(ctx context.Context, key target.Key) error {
	if err := s.kv.Delete(ctx, reportKey(key)); err != nil {
		return fmt.Errorf("delete eval report %s: %w", key, err)
	}
	return nil
}
