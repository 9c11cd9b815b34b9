package orchestrator

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewRunID returns an ID of the form YYYY-MM-DD_HH-mm-ss_xxxxxxxx. IDs
// sort by start time.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return now.UTC().Format("2006-01-02_15-04-05") + "_" + suffix
}
