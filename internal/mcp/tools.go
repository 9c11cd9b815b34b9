package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/guidesmith/internal/evaluator"
	"github.com/fyrsmithlabs/guidesmith/internal/history"
)

const (
	toolReadWorking = "read_working_guidelines"
	toolHistory     = "read_iteration_history"
	toolTokens      = "count_guideline_tokens"
	toolPropose     = "propose_guidelines"

	toolEvalSummary   = "get_eval_summary"
	toolFailedDetails = "get_failed_eval_details"
	toolRunLogError   = "get_run_log_error"
	toolGroupFailures = "group_failures_by_pattern"
)

// registerTools registers every tool with the MCP server and the
// registry.
func (s *Server) registerTools() {
	s.registerReadTools()
	s.registerEvalTools()
	s.registerProposeTool()
}

// ===== READ TOOLS =====

type readWorkingInput struct{}

type readWorkingOutput struct {
	Provider string `json:"provider" jsonschema:"Provider of the bound key"`
	Model    string `json:"model" jsonschema:"Model of the bound key"`
	Content  string `json:"content" jsonschema:"Current guideline document"`
	Tokens   int    `json:"tokens" jsonschema:"Approximate token count of content"`
	Source   string `json:"source" jsonschema:"Where the document came from: working, checkpoint, committed or seed"`
}

type historyInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum records to return (default: 5)"`
}

type historyEntry struct {
	Iteration     int              `json:"iteration"`
	RunID         string           `json:"run_id"`
	Verdict       string           `json:"verdict"`
	Passed        int              `json:"passed"`
	Total         int              `json:"total"`
	Feedback      history.Feedback `json:"feedback"`
	FlippedToPass []string         `json:"flipped_to_pass,omitempty"`
	FlippedToFail []string         `json:"flipped_to_fail,omitempty"`
	DiffSummary   string           `json:"diff_summary,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

type historyOutput struct {
	Records []historyEntry `json:"records" jsonschema:"Iteration records, newest first"`
	Count   int            `json:"count" jsonschema:"Number of records returned"`
}

type tokensInput struct {
	Text string `json:"text" jsonschema:"required,Text to measure"`
}

type tokensOutput struct {
	Tokens int `json:"tokens" jsonschema:"Approximate token count"`
	Bytes  int `json:"bytes" jsonschema:"Length of the text in bytes"`
}

func (s *Server) registerReadTools() {
	s.add(&ToolMetadata{
		Name:        toolReadWorking,
		Description: "Read the guideline document the current iteration is working from",
		Category:    CategoryRead,
		Keywords:    []string{"document", "current", "draft"},
	})
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolReadWorking,
		Description: "Read the guideline document the current iteration is working from",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ readWorkingInput) (*mcp.CallToolResult, readWorkingOutput, error) {
		var toolErr error
		done := s.metrics.track(ctx, toolReadWorking)
		defer func() { done(toolErr) }()

		doc, err := s.surface.ReadWorking(ctx)
		if err != nil {
			toolErr = fmt.Errorf("read working guidelines: %w", err)
			return nil, readWorkingOutput{}, toolErr
		}
		key := s.surface.Key()
		out := readWorkingOutput{
			Provider: key.Provider,
			Model:    key.Model,
			Content:  doc.Content,
			Tokens:   doc.Tokens,
			Source:   string(doc.Source),
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: doc.Content}},
		}, out, nil
	})

	s.add(&ToolMetadata{
		Name:        toolHistory,
		Description: "Read recent iteration records with their feedback and verdicts",
		Category:    CategoryRead,
		Keywords:    []string{"feedback", "verdict", "iterations"},
	})
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolHistory,
		Description: "Read recent iteration records with their feedback and verdicts",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args historyInput) (*mcp.CallToolResult, historyOutput, error) {
		var toolErr error
		done := s.metrics.track(ctx, toolHistory)
		defer func() { done(toolErr) }()

		recs, err := s.surface.RecentHistory(ctx, args.Limit)
		if err != nil {
			toolErr = fmt.Errorf("read iteration history: %w", err)
			return nil, historyOutput{}, toolErr
		}
		out := historyOutput{Records: make([]historyEntry, 0, len(recs)), Count: len(recs)}
		for _, rec := range recs {
			out.Records = append(out.Records, historyEntry{
				Iteration:     rec.Iteration,
				RunID:         rec.RunID,
				Verdict:       string(rec.Verdict),
				Passed:        rec.Passed,
				Total:         rec.Total,
				Feedback:      rec.Feedback,
				FlippedToPass: rec.FlippedToPass,
				FlippedToFail: rec.FlippedToFail,
				DiffSummary:   rec.DiffSummary,
				Timestamp:     rec.Timestamp,
			})
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%d iteration record(s)", out.Count)}},
		}, out, nil
	})

	s.add(&ToolMetadata{
		Name:        toolTokens,
		Description: "Approximate the token count of a guideline text",
		Category:    CategoryRead,
		Keywords:    []string{"size", "length"},
	})
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolTokens,
		Description: "Approximate the token count of a guideline text",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args tokensInput) (*mcp.CallToolResult, tokensOutput, error) {
		done := s.metrics.track(ctx, toolTokens)
		defer done(nil)

		out := tokensOutput{Tokens: s.surface.TokenCount(args.Text), Bytes: len(args.Text)}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%d tokens", out.Tokens)}},
		}, out, nil
	})
}

// ===== EVAL TOOLS =====

type evalSummaryInput struct{}

type evalSummaryOutput struct {
	Iteration int      `json:"iteration" jsonschema:"Iteration whose evaluation was kept"`
	RunID     string   `json:"run_id" jsonschema:"Run that produced the evaluation"`
	Passed    int      `json:"passed"`
	Failed    int      `json:"failed"`
	Total     int      `json:"total"`
	Failing   []string `json:"failing" jsonschema:"Names of the failing evals"`
	OutputDir string   `json:"output_dir,omitempty" jsonschema:"Directory holding the eval output"`
}

type failedDetailsInput struct{}

type failedDetailsOutput struct {
	Evals []evaluator.EvalDetails `json:"evals" jsonschema:"File locations of each failing eval"`
	Count int                     `json:"count"`
}

type runLogErrorInput struct {
	Eval string `json:"eval" jsonschema:"required,Eval name such as 002-queries/009-text"`
}

type runLogErrorOutput struct {
	Eval  string `json:"eval"`
	Text  string `json:"text" jsonschema:"Error lines, or the end of the log when none matched"`
	Found bool   `json:"found" jsonschema:"True when error lines were found"`
}

type groupFailuresInput struct{}

type groupFailuresOutput struct {
	Patterns []evaluator.FailurePattern `json:"patterns" jsonschema:"Failure groups, largest first"`
	Count    int                        `json:"count"`
}

func (s *Server) registerEvalTools() {
	s.add(&ToolMetadata{
		Name:        toolEvalSummary,
		Description: "Summarize the evaluation of the current best guidelines",
		Category:    CategoryRead,
		Keywords:    []string{"score", "results", "failing"},
	})
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolEvalSummary,
		Description: "Summarize the evaluation of the current best guidelines",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ evalSummaryInput) (*mcp.CallToolResult, evalSummaryOutput, error) {
		var toolErr error
		done := s.metrics.track(ctx, toolEvalSummary)
		defer func() { done(toolErr) }()

		sum, err := s.surface.EvalSummary(ctx)
		if err != nil {
			toolErr = fmt.Errorf("get eval summary: %w", err)
			return nil, evalSummaryOutput{}, toolErr
		}
		out := evalSummaryOutput{
			Iteration: sum.Iteration,
			RunID:     sum.RunID,
			Passed:    sum.Passed,
			Failed:    sum.Failed,
			Total:     sum.Total,
			Failing:   sum.Failing,
			OutputDir: sum.OutputDir,
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%d/%d evals passed", out.Passed, out.Total)}},
		}, out, nil
	})

	s.add(&ToolMetadata{
		Name:        toolFailedDetails,
		Description: "Locate the task, expected answer, generated code and run log of each failing eval",
		Category:    CategoryRead,
		Keywords:    []string{"failures", "files", "task"},
	})
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolFailedDetails,
		Description: "Locate the task, expected answer, generated code and run log of each failing eval",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ failedDetailsInput) (*mcp.CallToolResult, failedDetailsOutput, error) {
		var toolErr error
		done := s.metrics.track(ctx, toolFailedDetails)
		defer func() { done(toolErr) }()

		details, err := s.surface.FailedEvalDetails(ctx)
		if err != nil {
			toolErr = fmt.Errorf("get failed eval details: %w", err)
			return nil, failedDetailsOutput{}, toolErr
		}
		out := failedDetailsOutput{Evals: details, Count: len(details)}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%d failing eval(s)", out.Count)}},
		}, out, nil
	})

	s.add(&ToolMetadata{
		Name:        toolRunLogError,
		Description: "Extract the error lines from the run log of one eval",
		Category:    CategoryRead,
		Keywords:    []string{"log", "error", "stack"},
	})
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolRunLogError,
		Description: "Extract the error lines from the run log of one eval",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args runLogErrorInput) (*mcp.CallToolResult, runLogErrorOutput, error) {
		var toolErr error
		done := s.metrics.track(ctx, toolRunLogError)
		defer func() { done(toolErr) }()

		got, err := s.surface.RunLogError(ctx, args.Eval)
		if err != nil {
			toolErr = fmt.Errorf("get run log error: %w", err)
			return nil, runLogErrorOutput{}, toolErr
		}
		out := runLogErrorOutput{Eval: got.Name, Text: got.Text, Found: got.Found}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: out.Text}},
		}, out, nil
	})

	s.add(&ToolMetadata{
		Name:        toolGroupFailures,
		Description: "Group failing evals by the error pattern in their run logs",
		Category:    CategoryRead,
		Keywords:    []string{"patterns", "failures", "triage"},
	})
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolGroupFailures,
		Description: "Group failing evals by the error pattern in their run logs",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ groupFailuresInput) (*mcp.CallToolResult, groupFailuresOutput, error) {
		var toolErr error
		done := s.metrics.track(ctx, toolGroupFailures)
		defer func() { done(toolErr) }()

		groups, err := s.surface.FailurePatterns(ctx)
		if err != nil {
			toolErr = fmt.Errorf("group failures by pattern: %w", err)
			return nil, groupFailuresOutput{}, toolErr
		}
		out := groupFailuresOutput{Patterns: groups, Count: len(groups)}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%d failure pattern(s)", out.Count)}},
		}, out, nil
	})
}

// ===== PROPOSAL TOOL =====

type proposeInput struct {
	Content   string `json:"content" jsonschema:"required,The complete revised guideline document"`
	Rationale string `json:"rationale,omitempty" jsonschema:"Why the revision should fix the failing evals"`
}

type proposeOutput struct {
	Accepted bool `json:"accepted" jsonschema:"True when the proposal was stored"`
	Tokens   int  `json:"tokens" jsonschema:"Approximate token count of the stored proposal"`
	Redacted bool `json:"redacted" jsonschema:"True when secrets were removed before storing"`
}

func (s *Server) registerProposeTool() {
	s.add(&ToolMetadata{
		Name:        toolPropose,
		Description: "Submit the complete revised guideline document for evaluation",
		Category:    CategoryWrite,
		Keywords:    []string{"revision", "submit", "write"},
	})
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolPropose,
		Description: "Submit the complete revised guideline document for evaluation",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args proposeInput) (*mcp.CallToolResult, proposeOutput, error) {
		var toolErr error
		done := s.metrics.track(ctx, toolPropose)
		defer func() {
			done(toolErr)
			s.metrics.RecordProposal(ctx, toolErr)
		}()

		p, err := s.surface.ProposeRevision(ctx, args.Content, args.Rationale)
		if err != nil {
			toolErr = fmt.Errorf("propose guidelines: %w", err)
			return nil, proposeOutput{}, toolErr
		}
		out := proposeOutput{
			Accepted: true,
			Tokens:   s.surface.TokenCount(p.Content),
			Redacted: p.Content != args.Content,
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Proposal stored (%d tokens)", out.Tokens)}},
		}, out, nil
	})
}

func (s *Server) add(meta *ToolMetadata) {
	s.toolRegistry.Register(meta)
}
