package status

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

var (
	runningColor  = color.New(color.FgGreen, color.Bold)
	pausedColor   = color.New(color.FgYellow)
	completeColor = color.New(color.FgCyan)
	idleColor     = color.New(color.Faint)
	errorColor    = color.New(color.FgRed)
)

func colorize(st State) string {
	switch st {
	case StateRunning:
		return runningColor.Sprint(st)
	case StatePaused:
		return pausedColor.Sprint(st)
	case StateComplete:
		return completeColor.Sprint(st)
	default:
		return idleColor.Sprint(st)
	}
}

// WriteTable renders statuses as an aligned table. Ages are relative to
// now.
func WriteTable(w io.Writer, statuses []KeyStatus, now time.Time) error {
	if len(statuses) == 0 {
		_, err := fmt.Fprintln(w, "No guideline runs recorded.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tMODEL\tSTATE\tITERATION\tBEST\tLAST\tUPDATED\tDETAIL")
	for _, st := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			st.Provider,
			st.Model,
			colorize(st.State),
			FormatIteration(st),
			FormatScore(st.BestPassed, st.BestTotal),
			dash(st.LastVerdict),
			FormatAge(updatedAt(st), now),
			detail(st),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	c := Counts(statuses)
	_, err := fmt.Fprintf(w, "\n%d running, %d paused, %d complete, %d not started\n",
		c[StateRunning], c[StatePaused], c[StateComplete], c[StateNotStarted])
	return err
}

// WriteJSON renders statuses as indented JSON.
func WriteJSON(w io.Writer, statuses []KeyStatus) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(statuses)
}

// FormatIteration shows the live iteration for a running key and the
// checkpoint position otherwise.
func FormatIteration(st KeyStatus) string {
	switch {
	case st.State == StateRunning && st.Phase != "":
		return fmt.Sprintf("%d (%s)", st.Iteration, st.Phase)
	case st.CheckpointIteration > 0:
		return fmt.Sprintf("%d", st.CheckpointIteration)
	case st.LastIteration > 0:
		return fmt.Sprintf("%d", st.LastIteration)
	default:
		return "-"
	}
}

// FormatScore formats passed/total with the pass rate.
func FormatScore(passed, total int) string {
	if total <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d (%s)", passed, total, FormatPercentage(float64(passed)/float64(total)))
}

// FormatPercentage formats a ratio (0-1) as percentage.
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatAge formats the time since t as "Xd Yh", "Xh Ym", "Xm" or "just
// now". A zero t formats as "-".
func FormatAge(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < time.Minute {
		return "just now"
	}
	seconds := int64(d / time.Second)
	days := seconds / 86400
	hours := (seconds % 86400) / 3600
	minutes := (seconds % 3600) / 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh ago", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm ago", hours, minutes)
	default:
		return fmt.Sprintf("%dm ago", minutes)
	}
}

func updatedAt(st KeyStatus) time.Time {
	if st.LockUpdatedAt != nil {
		return *st.LockUpdatedAt
	}
	if st.LastAt != nil {
		return *st.LastAt
	}
	return time.Time{}
}

func detail(st KeyStatus) string {
	switch {
	case st.Error != "":
		return errorColor.Sprint(st.Error)
	case st.State == StateRunning:
		return fmt.Sprintf("held by %s@%s", st.Holder, st.Host)
	case st.State == StatePaused && st.Holder != "":
		return fmt.Sprintf("stale lock from %s@%s", st.Holder, st.Host)
	case st.State == StatePaused:
		return "resumable"
	case st.HasCommitted:
		return fmt.Sprintf("%d tokens committed", st.CommittedTokens)
	default:
		return ""
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
