package agent

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/fyrsmithlabs/guidesmith/internal/history"
)

const analyzerSystem = `You are a failure analysis agent. You diagnose why a code generation model fails evaluations while following a guidelines document, and you suggest one guideline that prevents the mistake.

Guidelines must be generic: they describe correct API usage and runtime expectations for any project. Never reference "the task", eval names or task-specific field names. When the failure is about not following instructions rather than a knowledge gap, set CONFIDENCE to low.

Use exactly this output format and stop:

CATEGORY: [short failure category, e.g. imports, validators, schema]

ANALYSIS: [1-2 sentences explaining the specific mistake]

SUGGESTED_GUIDELINE: [the guideline text, 50-100 tokens, actionable]

CONFIDENCE: [high|medium|low]`

const incorporatorSystem = `You are a guideline incorporator. Merge the suggested guideline into the existing guidelines document.

Rewrite or drop suggestions that reference eval tasks, task requirements or domain examples from tests. Keep the existing structure, organise by topic with "## " headers and "-" bullets, deduplicate similar guidance, and keep each guideline to 50-100 tokens.

Return ONLY the complete updated guidelines text. No commentary.`

const simplifierSystem = `You are a guideline refiner. The guidelines document below already makes every evaluation pass. Propose exactly ONE simplification: remove a guideline that is not needed, combine two overlapping guidelines, or shorten the wording of one.

The result must be shorter than the input and keep every guideline that prevents a known failure. Do not repeat a simplification that was already rejected.

Return ONLY the complete simplified guidelines text. No commentary.`

var analysisTemplate = template.Must(template.New("analysis").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`Target: {{.Key}}

## Current guidelines

{{.Document}}

## Failing evals
{{if .Failing}}{{range .Failing}}
- {{.}}{{end}}{{else}}
None reported.{{end}}
{{if .Patterns}}
## Failure patterns
{{range .Patterns}}
- {{.Pattern}} ({{.Count}} eval(s): {{join .Evals ", "}}){{if .SampleError}}
  Sample: {{.SampleError}}{{end}}{{end}}
{{end}}
## Recent iterations
{{if .Recent}}{{range .Recent}}
- Iteration {{.Iteration}} ({{.Verdict}}, {{.Passed}}/{{.Total}} passed): [{{.Feedback.Category}}] {{.Feedback.Description}}{{if .Feedback.Remedy}}
  Tried: {{.Feedback.Remedy}}{{end}}{{end}}{{else}}
No previous iteration history available.{{end}}
{{if .Deltas}}
## Changes between iterations
{{range .Deltas}}
- {{.PreviousIteration}} -> {{.CurrentIteration}}: {{printf "%+d" .PassCountDelta}} passing. {{.ChangesMade}}{{if .FlippedToPass}}
  Now passing: {{join .FlippedToPass ", "}}{{end}}{{if .FlippedToFail}}
  Now failing: {{join .FlippedToFail ", "}}{{end}}{{end}}
{{end}}
Do not repeat a remedy that already failed. Diagnose the most important remaining failure.`))

var incorporationTemplate = template.Must(template.New("incorporation").Parse(`Target: {{.Key}}

## Current guidelines

{{.Document}}

## Suggested guideline

Category: {{.Diagnosis.Category}}
Confidence: {{.Diagnosis.Confidence}}
Problem: {{.Diagnosis.Description}}

{{.Diagnosis.Remedy}}
{{if .Recent}}
## Recently tried
{{range .Recent}}
- Iteration {{.Iteration}} ({{.Verdict}}): {{.Feedback.Remedy}}{{end}}
{{end}}
Output the complete updated guidelines.`))

var simplificationTemplate = template.Must(template.New("simplification").Parse(`Target: {{.Key}}

## Current guidelines

{{.Document}}
{{if .Rejected}}
## Rejected simplifications
{{range .Rejected}}
- Iteration {{.Iteration}} ({{.Verdict}}{{if .Total}}, {{.Passed}}/{{.Total}} passed{{end}}): {{if .DiffSummary}}{{.DiffSummary}}{{else}}{{.Error}}{{end}}{{end}}
{{end}}
Output the complete simplified guidelines.`))

type analysisData struct {
	AnalysisRequest
	Deltas []history.Delta
}

func renderAnalysis(req AnalysisRequest) (string, error) {
	var buf bytes.Buffer
	data := analysisData{AnalysisRequest: req, Deltas: history.Deltas(req.Recent)}
	if err := analysisTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderSimplification(req SimplificationRequest) (string, error) {
	var buf bytes.Buffer
	if err := simplificationTemplate.Execute(&buf, req); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderIncorporation(req IncorporationRequest) (string, error) {
	var buf bytes.Buffer
	if err := incorporationTemplate.Execute(&buf, req); err != nil {
		return "", err
	}
	return buf.String(), nil
}
