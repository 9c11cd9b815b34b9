// Package guidelines persists the three document states kept per key:
// the committed baseline, the working draft and the resumable checkpoint.
//
// The committed document is stored as raw text and only replaced by
// Commit. Working, checkpoint and proposal documents are JSON. All writes
// go through kv.Store and are atomic.
package guidelines

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/guidesmith/internal/kv"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

var (
	// ErrNotFound is returned by ReadCommitted when the key was never
	// committed.
	ErrNotFound = errors.New("guidelines: not committed")

	// ErrCorruptBaseline is returned when the committed document exists
	// but cannot be read or is not valid UTF-8.
	ErrCorruptBaseline = errors.New("guidelines: committed document corrupt")
)

// Document is a guideline text with the time it was last written.
type Document struct {
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Hash returns the hex SHA-256 of content.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// TokenCount approximates the token count of text as one token per four
// bytes.
func TokenCount(text string) int {
	return len(text) / 4
}

// Store reads and writes guideline documents.
type Store struct {
	kv  kv.Store
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store over the given kv backend.
func NewStore(store kv.Store, opts ...Option) *Store {
	s := &Store{kv: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func committedKey(k target.Key) string  { return kv.Join("committed", k.Slug()) }
func workingKey(k target.Key) string    { return kv.Join("working", k.Slug()) }
func checkpointKey(k target.Key) string { return kv.Join("checkpoints", k.Slug()) }
func proposalKey(k target.Key) string   { return kv.Join("proposals", k.Slug()) }
func archivePrefix(k target.Key) string { return kv.Join("archive", k.Slug()) + "/" }

// ReadCommitted returns the committed document for key.
func (s *Store) ReadCommitted(ctx context.Context, key target.Key) (string, error) {
	data, err := s.kv.Get(ctx, committedKey(key))
	if errors.Is(err, kv.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrCorruptBaseline, key, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s: invalid UTF-8", ErrCorruptBaseline, key)
	}
	return string(data), nil
}

// ReadWorking returns the working draft. ok is false when none exists or
// the stored value cannot be decoded.
func (s *Store) ReadWorking(ctx context.Context, key target.Key) (Document, bool, error) {
	data, err := s.kv.Get(ctx, workingKey(key))
	if errors.Is(err, kv.ErrNotFound) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("read working %s: %w", key, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, false, nil
	}
	return doc, true, nil
}

// WriteWorking replaces the working draft. Writing identical content only
// refreshes the timestamp.
func (s *Store) WriteWorking(ctx context.Context, key target.Key, content string) error {
	data, err := json.Marshal(Document{Content: content, UpdatedAt: s.now().UTC()})
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, workingKey(key), data); err != nil {
		return fmt.Errorf("write working %s: %w", key, err)
	}
	return nil
}

// Checkpoint is the resumable position of a run.
type Checkpoint struct {
	RunID     string `json:"run_id"`
	Iteration int    `json:"iteration"`
	// BaseIteration is the history index the lineage started from.
	BaseIteration int    `json:"base_iteration"`
	Document      string `json:"document"`
	DocumentHash  string `json:"document_hash"`
	BestPassed    int    `json:"best_passed"`
	BestTotal     int    `json:"best_total"`
	BestIteration int    `json:"best_iteration"`

	// Stable counts consecutive no_change/regressed verdicts.
	Stable              int `json:"stable"`
	ConsecutiveFailures int `json:"consecutive_failures"`
	Improvements        int `json:"improvements"`

	// Stage is "refinement" once construction reached a verified perfect
	// score and the run is simplifying; empty means construction.
	Stage           string `json:"stage,omitempty"`
	RefineFailures  int    `json:"refine_failures,omitempty"`
	Simplifications int    `json:"simplifications,omitempty"`

	// LastResults holds the per-eval outcome of the best document.
	LastResults map[string]bool `json:"last_results,omitempty"`

	// Committing is set right before Commit. A checkpoint carrying it is
	// finished rather than resumed.
	Committing bool `json:"committing,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Failing returns the names of evals that failed for the best document,
// sorted.
func (c Checkpoint) Failing() []string {
	return failingEvals(c.LastResults)
}

// ReadCheckpoint returns the checkpoint for key. A checkpoint that fails
// to decode, or whose hash does not match its document, is reported as
// absent.
func (s *Store) ReadCheckpoint(ctx context.Context, key target.Key) (Checkpoint, bool, error) {
	data, err := s.kv.Get(ctx, checkpointKey(key))
	if errors.Is(err, kv.ErrNotFound) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, nil
	}
	if cp.DocumentHash != Hash(cp.Document) {
		return Checkpoint{}, false, nil
	}
	return cp, true, nil
}

// WriteCheckpoint atomically replaces the checkpoint for key. The document
// hash and timestamp are filled in.
func (s *Store) WriteCheckpoint(ctx context.Context, key target.Key, cp Checkpoint) error {
	cp.DocumentHash = Hash(cp.Document)
	cp.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, checkpointKey(key), data); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", key, err)
	}
	return nil
}

// CommitPending reports whether a previous run crashed between marking
// its checkpoint for commit and clearing it. The returned checkpoint holds
// the document to finish committing.
func (s *Store) CommitPending(ctx context.Context, key target.Key) (Checkpoint, bool, error) {
	cp, ok, err := s.ReadCheckpoint(ctx, key)
	if err != nil || !ok || !cp.Committing {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

// Commit replaces the committed document with content and clears the
// working draft, checkpoint and any pending proposal. The previous
// committed document, if different, is archived under runID. Committing
// the same content twice leaves the same state.
func (s *Store) Commit(ctx context.Context, key target.Key, content, runID string) error {
	prev, err := s.kv.Get(ctx, committedKey(key))
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return fmt.Errorf("read committed %s: %w", key, err)
	case string(prev) != content && runID != "":
		if err := s.kv.Put(ctx, archivePrefix(key)+runID, prev); err != nil {
			return fmt.Errorf("archive %s: %w", key, err)
		}
	}

	if err := s.kv.Put(ctx, committedKey(key), []byte(content)); err != nil {
		return fmt.Errorf("write committed %s: %w", key, err)
	}
	for _, k := range []string{workingKey(key), checkpointKey(key), proposalKey(key)} {
		if err := s.kv.Delete(ctx, k); err != nil {
			return fmt.Errorf("clear %s: %w", k, err)
		}
	}
	return nil
}

// Archives lists archived run IDs for key, oldest first.
func (s *Store) Archives(ctx context.Context, key target.Key) ([]string, error) {
	prefix := archivePrefix(key)
	names, err := s.kv.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(names))
	for _, n := range names {
		ids = append(ids, n[len(prefix):])
	}
	return ids, nil
}

// ReadArchive returns the document archived by runID.
func (s *Store) ReadArchive(ctx context.Context, key target.Key, runID string) (string, error) {
	data, err := s.kv.Get(ctx, archivePrefix(key)+runID)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PruneArchives keeps the newest keep archives for key and returns how
// many were removed. Run IDs sort chronologically.
func (s *Store) PruneArchives(ctx context.Context, key target.Key, keep int) (int, error) {
	ids, err := s.Archives(ctx, key)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	removed := 0
	for i := 0; i < len(ids)-keep; i++ {
		if err := s.kv.Delete(ctx, archivePrefix(key)+ids[i]); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// HasState reports which of the committed, working and checkpoint
// documents exist for key.
func (s *Store) HasState(ctx context.Context, key target.Key) (committed, checkpoint bool, err error) {
	if _, err := s.kv.Get(ctx, committedKey(key)); err == nil {
		committed = true
	} else if !errors.Is(err, kv.ErrNotFound) {
		return false, false, err
	}
	_, checkpoint, err = s.ReadCheckpoint(ctx, key)
	return committed, checkpoint, err
}
