package secrets

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Redaction describes one replaced secret. The secret value is never kept.
type Redaction struct {
	RuleID      string `json:"rule_id"`
	RuleDesc    string `json:"rule_desc"`
	Line        int    `json:"line"`
	OriginalLen int    `json:"original_len"`
}

// Result is the output of Redact.
type Result struct {
	Content    string
	Redactions []Redaction
}

// RuleIDs returns the distinct rules that fired, sorted.
func (r Result) RuleIDs() []string {
	seen := map[string]struct{}{}
	for _, red := range r.Redactions {
		seen[red.RuleID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Redactor replaces detected secrets with [REDACTED:rule-id] markers.
// A nil *Redactor returns content unchanged.
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// New builds a Redactor with the Gitleaks default config plus the
// allowlist at allowlistPath (empty to skip; a missing file is ignored).
func New(allowlistPath string) (*Redactor, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("gitleaks detector: %w", err)
	}
	if allowlistPath != "" {
		allowlist, err := LoadAllowlist(allowlistPath)
		if err != nil {
			return nil, err
		}
		if allowlist != nil {
			applyAllowlist(&detector.Config, allowlist)
		}
	}
	return &Redactor{detector: detector}, nil
}

// Redact scans content and replaces every finding.
func (r *Redactor) Redact(content string) Result {
	if r == nil || content == "" {
		return Result{Content: content}
	}

	r.mu.Lock()
	findings := r.detector.DetectString(content)
	r.mu.Unlock()

	if len(findings) == 0 {
		return Result{Content: content}
	}

	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(findings, func(i, j int) bool {
		return len(findings[i].Secret) > len(findings[j].Secret)
	})

	out := Result{Content: content}
	for _, f := range findings {
		if f.Secret == "" {
			continue
		}
		out.Redactions = append(out.Redactions, Redaction{
			RuleID:      f.RuleID,
			RuleDesc:    f.Description,
			Line:        f.StartLine,
			OriginalLen: len(f.Secret),
		})
		out.Content = strings.ReplaceAll(out.Content, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return out
}

func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	global := &gitleaksConfig.Allowlist{Description: "guidesmith allowlist"}
	for _, pattern := range allowlist.Paths {
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(regexp.MustCompile(pattern)))
	}
	for _, pattern := range allowlist.Regexes {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(pattern)))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}
