package guidelines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/guidesmith/internal/kv"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

// Proposal is a revision submitted by the agent through the tool surface.
type Proposal struct {
	Content   string    `json:"content"`
	Rationale string    `json:"rationale,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WriteProposal replaces the pending proposal for key.
func (s *Store) WriteProposal(ctx context.Context, key target.Key, p Proposal) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, proposalKey(key), data); err != nil {
		return fmt.Errorf("write proposal %s: %w", key, err)
	}
	return nil
}

// TakeProposal removes and returns the pending proposal. ok is false when
// there is none. A proposal replaced concurrently is left for the next
// call.
func (s *Store) TakeProposal(ctx context.Context, key target.Key) (Proposal, bool, error) {
	data, err := s.kv.Get(ctx, proposalKey(key))
	if errors.Is(err, kv.ErrNotFound) {
		return Proposal{}, false, nil
	}
	if err != nil {
		return Proposal{}, false, fmt.Errorf("read proposal %s: %w", key, err)
	}
	deleted, err := s.kv.CompareAndDelete(ctx, proposalKey(key), data)
	if err != nil {
		return Proposal{}, false, fmt.Errorf("take proposal %s: %w", key, err)
	}
	if !deleted {
		return Proposal{}, false, nil
	}
	var p Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return Proposal{}, false, nil
	}
	return p, true, nil
}

// DiscardProposal drops any pending proposal for key.
func (s *Store) DiscardProposal(ctx context.Context, key target.Key) error {
	return s.kv.Delete(ctx, proposalKey(key))
}

func failingEvals(results map[string]bool) []string {
	var out []string
	for name, passed := range results {
		if !passed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
