// Package orchestrator runs guideline-improvement loops for one target key.
//
// # Overview
//
// A run owns its key through the lock manager for its whole lifetime and
// moves through these phases:
//
//	Acquiring → Restoring → Iterating ⇄ Deciding → Committing | Abandoning → Released
//
// Each phase transition is logged and mirrored into the lock record so
// that status readers can see where a run is.
//
// # Durability
//
// Every iteration is persisted in a fixed order: working document, then
// history record, then checkpoint. A crash between any two writes loses at
// most the iteration in flight. On restart the checkpoint is trusted over
// the working document, and a checkpoint marked committing is finished
// instead of resumed.
//
// # Outcomes
//
// Run returns one of four outcomes, each with a stable exit code:
//
//   - Committed (0): the best document replaced the committed baseline
//   - Failed (1): a fatal error; see Error and Kind
//   - Abandoned (2): state kept for a later resume
//   - Rejected (3): another live process holds the key
//
// Abandoned and Rejected are safe to retry.
package orchestrator
