package agent

import (
	"fmt"
	"strings"
)

var sectionNames = []string{"CATEGORY", "ANALYSIS", "SUGGESTED_GUIDELINE", "CONFIDENCE", "LEGACY_RELEVANCE"}

// ParseDiagnosis extracts the labelled sections of an analysis response.
// ANALYSIS and SUGGESTED_GUIDELINE are required; a missing CATEGORY
// becomes "general" and an unrecognised CONFIDENCE becomes "low".
func ParseDiagnosis(text string) (Diagnosis, error) {
	sections := map[string]*strings.Builder{}
	var current *strings.Builder

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimLeft(line, " *#")
		if name, rest, ok := sectionHeader(trimmed); ok {
			current = &strings.Builder{}
			sections[name] = current
			current.WriteString(rest)
			continue
		}
		if current != nil {
			current.WriteString("\n")
			current.WriteString(line)
		}
	}

	get := func(name string) string {
		if b, ok := sections[name]; ok {
			return strings.TrimSpace(b.String())
		}
		return ""
	}

	d := Diagnosis{
		Category:    get("CATEGORY"),
		Description: get("ANALYSIS"),
		Remedy:      get("SUGGESTED_GUIDELINE"),
		Confidence:  strings.ToLower(strings.Trim(get("CONFIDENCE"), "[]* .")),
	}
	if d.Description == "" || d.Remedy == "" {
		return Diagnosis{}, fmt.Errorf("%w: missing ANALYSIS or SUGGESTED_GUIDELINE", ErrMalformedOutput)
	}
	if d.Category == "" {
		d.Category = "general"
	}
	switch d.Confidence {
	case "high", "medium", "low":
	default:
		d.Confidence = "low"
	}
	return d, nil
}

func sectionHeader(line string) (name, rest string, ok bool) {
	for _, n := range sectionNames {
		if !strings.HasPrefix(line, n) {
			continue
		}
		after := strings.TrimLeft(line[len(n):], "*")
		if strings.HasPrefix(after, ":") {
			return n, strings.TrimSpace(strings.TrimLeft(after[1:], "*")), true
		}
	}
	return "", "", false
}

// UnwrapDocument strips a code fence that encloses the whole response.
func UnwrapDocument(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") || !strings.HasSuffix(t, "```") || len(t) < 6 {
		return t
	}
	body := t[3 : len(t)-3]
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return strings.TrimSpace(body)
	}
	// The first line is the optional language tag.
	if tag := strings.TrimSpace(body[:nl]); !strings.ContainsAny(tag, " \t") {
		body = body[nl+1:]
	}
	return strings.TrimSpace(body)
}
