package orchestrator

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

// Kind classifies orchestrator errors.
type Kind int

const (
	// KindContention means a live process holds the key.
	KindContention Kind = iota + 1
	// KindRecoverableIO is a transient working or checkpoint I/O error.
	KindRecoverableIO
	// KindAgentIteration is an agent or evaluator failure.
	KindAgentIteration
	// KindCorruptBaseline means the committed document is unreadable.
	KindCorruptBaseline
	// KindInvariant is a broken durability invariant, such as a lost lock
	// or a non-contiguous history index.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindContention:
		return "contention"
	case KindRecoverableIO:
		return "recoverable_io"
	case KindAgentIteration:
		return "agent_iteration"
	case KindCorruptBaseline:
		return "corrupt_baseline"
	case KindInvariant:
		return "invariant_violation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is an orchestrator error with its classification.
type Error struct {
	Kind Kind
	Op   string
	Key  target.Key
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return 0
}

func newError(kind Kind, op string, key target.Key, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}
