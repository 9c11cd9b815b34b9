package history

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/fyrsmithlabs/guidesmith/internal/guidelines"
)

// Delta compares an iteration with the one before it.
type Delta struct {
	PreviousIteration int      `json:"previous_iteration"`
	CurrentIteration  int      `json:"current_iteration"`
	PassCountDelta    int      `json:"pass_count_delta"`
	FlippedToPass     []string `json:"flipped_to_pass"`
	FlippedToFail     []string `json:"flipped_to_fail"`
	ChangesMade       string   `json:"changes_made"`
}

// Flips returns evals that changed outcome between prev and cur. Evals
// absent from prev are ignored.
func Flips(prev, cur map[string]bool) (toPass, toFail []string) {
	for name, passed := range cur {
		was, ok := prev[name]
		if !ok {
			continue
		}
		switch {
		case !was && passed:
			toPass = append(toPass, name)
		case was && !passed:
			toFail = append(toFail, name)
		}
	}
	sort.Strings(toPass)
	sort.Strings(toFail)
	return toPass, toFail
}

// Compare builds the Delta from prev to cur.
func Compare(prev, cur Record) Delta {
	toPass, toFail := Flips(prev.Results, cur.Results)
	changes := cur.DiffSummary
	if changes == "" {
		changes = "No summary available"
	}
	return Delta{
		PreviousIteration: prev.Iteration,
		CurrentIteration:  cur.Iteration,
		PassCountDelta:    cur.Passed - prev.Passed,
		FlippedToPass:     toPass,
		FlippedToFail:     toFail,
		ChangesMade:       changes,
	}
}

// Deltas turns a newest-first window of records into deltas between
// neighbours, oldest first. Failed iterations carry no evaluation and are
// skipped.
func Deltas(recent []Record) []Delta {
	var scored []Record
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Verdict != VerdictFailed {
			scored = append(scored, recent[i])
		}
	}
	var out []Delta
	for i := 1; i < len(scored); i++ {
		out = append(out, Compare(scored[i-1], scored[i]))
	}
	return out
}

var sectionHeading = regexp.MustCompile(`(?m)^## .+$`)

// SummarizeDiff describes the change from before to after by token and
// section counts.
func SummarizeDiff(before, after string) string {
	delta := guidelines.TokenCount(after) - guidelines.TokenCount(before)

	switch {
	case abs(delta) < 50:
		return "Minor refinements (similar token count)"
	case delta > 100:
		return fmt.Sprintf("Added ~%d tokens (new guidelines added)", delta)
	case delta < -100:
		return fmt.Sprintf("Removed ~%d tokens (guidelines simplified or removed)", -delta)
	}

	beforeSections := len(sectionHeading.FindAllString(before, -1))
	afterSections := len(sectionHeading.FindAllString(after, -1))
	switch {
	case afterSections > beforeSections:
		return fmt.Sprintf("Added %d new section(s) (+%d tokens)", afterSections-beforeSections, delta)
	case afterSections < beforeSections:
		return fmt.Sprintf("Removed %d section(s) (%d tokens)", beforeSections-afterSections, delta)
	}
	if delta > 0 {
		return fmt.Sprintf("Modified guidelines (+%d tokens)", delta)
	}
	return fmt.Sprintf("Modified guidelines (%d tokens)", delta)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
