package evaluator

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ErrNoRunLog is returned when an eval left no run.log behind.
var ErrNoRunLog = errors.New("evaluator: run log not found")

var (
	runLogErrorRE = regexp.MustCompile(`(?i)error|fail|exception|TypeError|SyntaxError|ReferenceError`)
	patternLineRE = regexp.MustCompile(`(?i)error|fail|TypeError|SyntaxError`)
)

const (
	runLogErrorLines = 20
	runLogTailLines  = 10
	patternLines     = 5
	sampleErrorBytes = 200
)

// FailurePattern is a group of failing evals whose run logs share an
// error pattern.
type FailurePattern struct {
	Pattern        string   `json:"pattern"`
	Count          int      `json:"count"`
	Representative string   `json:"representative"`
	Evals          []string `json:"evals"`
	SampleError    string   `json:"sample_error,omitempty"`
}

// EvalDetails locates the files of one eval. WorkDir-relative paths are
// empty when the eval suite directory is unknown.
type EvalDetails struct {
	Name         string `json:"name"`
	Passed       bool   `json:"passed"`
	TaskPath     string `json:"task_path,omitempty"`
	ExpectedDir  string `json:"expected_dir,omitempty"`
	GeneratedDir string `json:"generated_dir"`
	RunLogPath   string `json:"run_log_path"`
}

// evalDir is where the eval command leaves the output of one eval:
// <output>/output/<model>/<eval>.
func evalDir(outputDir, model, name string) string {
	return filepath.Join(outputDir, "output", model, filepath.FromSlash(name))
}

// Details returns the file locations of eval name in r. workDir is the
// eval suite checkout the command runs in.
func (r Report) Details(workDir, name string) (EvalDetails, error) {
	passed, ok := r.Results[name]
	if !ok {
		return EvalDetails{}, fmt.Errorf("eval %q not found in results", name)
	}
	dir := evalDir(r.OutputDir, r.Model, name)
	d := EvalDetails{
		Name:         name,
		Passed:       passed,
		GeneratedDir: filepath.Join(dir, "convex"),
		RunLogPath:   filepath.Join(dir, "run.log"),
	}
	if workDir != "" {
		d.TaskPath = filepath.Join(workDir, "evals", filepath.FromSlash(name), "TASK.txt")
		d.ExpectedDir = filepath.Join(workDir, "evals", filepath.FromSlash(name), "answer", "convex")
	}
	return d, nil
}

// RunLogError extracts the error lines from the run.log of eval name.
// When no line looks like an error, the last lines of the log are
// returned and found is false.
func (r Report) RunLogError(name string) (text string, found bool, err error) {
	path := filepath.Join(evalDir(r.OutputDir, r.Model, name), "run.log")
	lines, err := grepFile(path, runLogErrorRE, runLogErrorLines)
	if err != nil {
		return "", false, err
	}
	if len(lines) > 0 {
		return strings.Join(lines, "\n"), true, nil
	}
	last, err := lastLines(path, runLogTailLines)
	if err != nil {
		return "", false, err
	}
	return strings.Join(last, "\n"), false, nil
}

// GroupFailures classifies the failing evals of r by the error lines in
// their run logs. Evals without a run log are skipped. Groups are ordered
// by size, then by first appearance.
func (r Report) GroupFailures() []FailurePattern {
	if r.OutputDir == "" {
		return nil
	}
	var groups []*FailurePattern
	byPattern := map[string]*FailurePattern{}
	for _, name := range r.Failing() {
		lines, err := grepFile(filepath.Join(evalDir(r.OutputDir, r.Model, name), "run.log"), patternLineRE, patternLines)
		if err != nil {
			continue
		}
		sample := strings.Join(lines, "\n")
		key := ClassifyErrorPattern(sample)
		g, ok := byPattern[key]
		if !ok {
			if len(sample) > sampleErrorBytes {
				sample = sample[:sampleErrorBytes]
			}
			g = &FailurePattern{Pattern: key, Representative: name, SampleError: sample}
			byPattern[key] = g
			groups = append(groups, g)
		}
		g.Evals = append(g.Evals, name)
		g.Count++
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Count > groups[j].Count })

	out := make([]FailurePattern, len(groups))
	for i, g := range groups {
		out[i] = *g
	}
	return out
}

// ClassifyErrorPattern maps the error lines of a run log to a short
// pattern name. Unknown errors fall back to their first line.
func ClassifyErrorPattern(errorLines string) string {
	has := func(s string) bool { return strings.Contains(errorLines, s) }
	switch {
	case has("v.json is not a function") || has("i.json is not a function"):
		return "v.json() does not exist"
	case has("v.dict is not a function") || has("a.dict is not a function"):
		return "v.dict() does not exist"
	case has(`"use node"`) && has("Mutation"):
		return `mutations in "use node" file`
	case has(`"use node"`) && has("not allowed"):
		return `"use node" not allowed`
	case has("pageStatus") || has("splitCursor"):
		return "pagination returns validator incomplete"
	case (has(".search") || has("'search'") || has(`"search"`)) && (has("does not exist") || has("not a function")):
		return "wrong text search API"
	case has(".range"):
		return "wrong index range API"
	case has("null") && has("string"):
		return "nullable return type not handled"
	}

	first, _, _ := strings.Cut(errorLines, "\n")
	if first == "" {
		return "unknown"
	}
	if len(first) > 80 {
		first = first[:80]
	}
	return first
}

func grepFile(path string, re *regexp.Regexp, limit int) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoRunLog, path)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() && len(out) < limit {
		if re.MatchString(sc.Text()) {
			out = append(out, sc.Text())
		}
	}
	return out, sc.Err()
}

func lastLines(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
