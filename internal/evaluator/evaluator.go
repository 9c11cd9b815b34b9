// Package evaluator scores a guideline document by running the external
// eval suite.
package evaluator

import (
	"context"
	"sort"

	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

// EvalRequest identifies the document being scored.
type EvalRequest struct {
	Key       target.Key
	Document  string
	RunID     string
	Iteration int
	// OutputDir keeps the eval files when set. Otherwise they go to a
	// temp directory removed after the evaluation.
	OutputDir string
}

// Evaluation is the outcome of one eval run.
type Evaluation struct {
	Passed  int             `json:"passed"`
	Failed  int             `json:"failed"`
	Total   int             `json:"total"`
	Results map[string]bool `json:"results"`
	// OutputDir holds the per-eval output when it was kept.
	OutputDir string `json:"output_dir,omitempty"`
}

// Perfect reports whether every eval passed.
func (e Evaluation) Perfect() bool {
	return e.Total > 0 && e.Passed == e.Total
}

// Failing returns the names of failed evals, sorted.
func (e Evaluation) Failing() []string {
	var out []string
	for name, ok := range e.Results {
		if !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Evaluator scores documents.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvalRequest) (Evaluation, error)
}
