// Package tools is the narrow surface the agent may use while an
// iteration runs.
//
// Every method is scoped to the key bound at construction. The eval
// methods read the report of the best document's evaluation. The only
// write is ProposeRevision, which stores a proposal for the orchestrator to
// consume; the agent never reaches locks, the committed document or the
// history append path.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guidesmith/internal/evaluator"
	"github.com/fyrsmithlabs/guidesmith/internal/guidelines"
	"github.com/fyrsmithlabs/guidesmith/internal/history"
	"github.com/fyrsmithlabs/guidesmith/internal/logging"
	"github.com/fyrsmithlabs/guidesmith/internal/secrets"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

// DefaultMaxProposalBytes caps a proposal when no limit is configured.
const DefaultMaxProposalBytes = 256 << 10

var (
	// ErrEmptyProposal is returned for a blank proposal.
	ErrEmptyProposal = errors.New("proposal is empty")

	// ErrProposalTooLarge is returned when a proposal exceeds the limit.
	ErrProposalTooLarge = errors.New("proposal too large")

	// ErrInvalidEncoding is returned for a proposal that is not UTF-8.
	ErrInvalidEncoding = errors.New("proposal is not valid UTF-8")

	// ErrNoEvalReport is returned when no evaluation has been kept yet.
	ErrNoEvalReport = errors.New("no eval report for this pair")
)

// Source names where ReadWorking found the document.
type Source string

const (
	SourceWorking    Source = "working"
	SourceCheckpoint Source = "checkpoint"
	SourceCommitted  Source = "committed"
	SourceSeed       Source = "seed"
)

// WorkingDocument is the result of ReadWorking.
type WorkingDocument struct {
	Content string
	Tokens  int
	Source  Source
}

// Surface exposes guideline state for one key.
type Surface struct {
	key              target.Key
	docs             *guidelines.Store
	history          *history.Log
	redactor         *secrets.Redactor
	reports          *evaluator.Reports
	workDir          string
	seed             string
	maxProposalBytes int
	logger           *logging.Logger
}

// Option configures a Surface.
type Option func(*Surface)

// WithRedactor redacts secrets from proposals before they are stored.
func WithRedactor(r *secrets.Redactor) Option {
	return func(s *Surface) { s.redactor = r }
}

// WithReports enables the eval methods.
func WithReports(r *evaluator.Reports) Option {
	return func(s *Surface) { s.reports = r }
}

// WithWorkDir sets the eval suite checkout used to locate task files.
func WithWorkDir(dir string) Option {
	return func(s *Surface) { s.workDir = dir }
}

// WithSeed sets the document returned when nothing else exists.
func WithSeed(seed string) Option {
	return func(s *Surface) { s.seed = seed }
}

// WithMaxProposalBytes caps proposal size. Non-positive values keep the
// default.
func WithMaxProposalBytes(n int) Option {
	return func(s *Surface) {
		if n > 0 {
			s.maxProposalBytes = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Surface) { s.logger = l }
}

// NewSurface creates a Surface bound to key.
func NewSurface(key target.Key, docs *guidelines.Store, hist *history.Log, opts ...Option) (*Surface, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if docs == nil || hist == nil {
		return nil, errors.New("tools: guideline store and history are required")
	}
	s := &Surface{
		key:              key,
		docs:             docs,
		history:          hist,
		maxProposalBytes: DefaultMaxProposalBytes,
		logger:           logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Key returns the bound key.
func (s *Surface) Key() target.Key { return s.key }

// ReadWorking returns the document the current iteration works from:
// the working draft, else the checkpoint document, else the committed
// document, else the seed.
func (s *Surface) ReadWorking(ctx context.Context) (WorkingDocument, error) {
	doc, ok, err := s.docs.ReadWorking(ctx, s.key)
	if err != nil {
		return WorkingDocument{}, err
	}
	if ok {
		return s.working(doc.Content, SourceWorking), nil
	}

	cp, ok, err := s.docs.ReadCheckpoint(ctx, s.key)
	if err != nil {
		return WorkingDocument{}, err
	}
	if ok {
		return s.working(cp.Document, SourceCheckpoint), nil
	}

	committed, err := s.docs.ReadCommitted(ctx, s.key)
	switch {
	case err == nil:
		return s.working(committed, SourceCommitted), nil
	case errors.Is(err, guidelines.ErrNotFound):
		return s.working(s.seed, SourceSeed), nil
	default:
		return WorkingDocument{}, err
	}
}

func (s *Surface) working(content string, src Source) WorkingDocument {
	return WorkingDocument{Content: content, Tokens: guidelines.TokenCount(content), Source: src}
}

// RecentHistory returns at most limit records, newest first.
func (s *Surface) RecentHistory(ctx context.Context, limit int) ([]history.Record, error) {
	if limit <= 0 {
		limit = 5
	}
	return s.history.Recent(ctx, s.key, limit)
}

// TokenCount approximates the token count of text.
func (s *Surface) TokenCount(text string) int {
	return guidelines.TokenCount(text)
}

// ProposeRevision stores doc as the pending revision for the running
// iteration. Secrets are redacted before the proposal is written; the
// returned proposal is what was stored.
func (s *Surface) ProposeRevision(ctx context.Context, doc, rationale string) (guidelines.Proposal, error) {
	if strings.TrimSpace(doc) == "" {
		return guidelines.Proposal{}, ErrEmptyProposal
	}
	if len(doc) > s.maxProposalBytes {
		return guidelines.Proposal{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrProposalTooLarge, len(doc), s.maxProposalBytes)
	}
	if !utf8.ValidString(doc) {
		return guidelines.Proposal{}, ErrInvalidEncoding
	}

	res := s.redactor.Redact(doc)
	if len(res.Redactions) > 0 {
		s.logger.Warn(ctx, "redacted secrets from proposal",
			zap.Int("count", len(res.Redactions)),
			zap.Strings("rules", res.RuleIDs()),
		)
	}

	p := guidelines.Proposal{Content: res.Content, Rationale: rationale}
	if err := s.docs.WriteProposal(ctx, s.key, p); err != nil {
		return guidelines.Proposal{}, err
	}
	s.logger.Info(ctx, "revision proposed", zap.Int("tokens", guidelines.TokenCount(p.Content)))
	return p, nil
}

// EvalSummary is the outcome of the kept evaluation.
type EvalSummary struct {
	Iteration int
	RunID     string
	Passed    int
	Failed    int
	Total     int
	Failing   []string
	OutputDir string
}

// RunLogError is the error text found in one eval's run log.
type RunLogError struct {
	Name  string
	Text  string
	Found bool
}

func (s *Surface) report(ctx context.Context) (evaluator.Report, error) {
	if s.reports == nil {
		return evaluator.Report{}, ErrNoEvalReport
	}
	rep, ok, err := s.reports.Load(ctx, s.key)
	if err != nil {
		return evaluator.Report{}, err
	}
	if !ok {
		return evaluator.Report{}, ErrNoEvalReport
	}
	return rep, nil
}

// EvalSummary returns the scores of the kept evaluation.
func (s *Surface) EvalSummary(ctx context.Context) (EvalSummary, error) {
	rep, err := s.report(ctx)
	if err != nil {
		return EvalSummary{}, err
	}
	return EvalSummary{
		Iteration: rep.Iteration,
		RunID:     rep.RunID,
		Passed:    rep.Passed,
		Failed:    rep.Failed,
		Total:     rep.Total,
		Failing:   rep.Failing(),
		OutputDir: rep.OutputDir,
	}, nil
}

// FailedEvalDetails locates the task, expected and generated files of
// every failing eval.
func (s *Surface) FailedEvalDetails(ctx context.Context) ([]evaluator.EvalDetails, error) {
	rep, err := s.report(ctx)
	if err != nil {
		return nil, err
	}
	failing := rep.Failing()
	out := make([]evaluator.EvalDetails, 0, len(failing))
	for _, name := range failing {
		d, err := rep.Details(s.workDir, name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// RunLogError extracts the error lines of eval name from its run log.
func (s *Surface) RunLogError(ctx context.Context, name string) (RunLogError, error) {
	rep, err := s.report(ctx)
	if err != nil {
		return RunLogError{}, err
	}
	if _, ok := rep.Results[name]; !ok {
		return RunLogError{}, fmt.Errorf("eval %q not found in results", name)
	}
	text, found, err := rep.RunLogError(name)
	if err != nil {
		return RunLogError{}, err
	}
	return RunLogError{Name: name, Text: text, Found: found}, nil
}

// FailurePatterns groups the failing evals by the error in their run logs.
func (s *Surface) FailurePatterns(ctx context.Context) ([]evaluator.FailurePattern, error) {
	rep, err := s.report(ctx)
	if err != nil {
		return nil, err
	}
	return rep.GroupFailures(), nil
}
