// Package lock provides per-key mutual exclusion for orchestrator runs.
//
// A lock is a JSON LockRecord stored at locks/<slug> in a kv.Store. At most
// one live record exists per key. A record is live while its holder process
// is running; a stale record (holder gone) is reclaimed by the next
// acquirer through compare-and-delete followed by exclusive create, so two
// reclaimers can never both succeed.
//
// Acquire never blocks. Contention is reported as a rejected Result and the
// caller is expected to retry on its next scheduled invocation.
//
// Liveness is checked through ProcessLiveness. The OS implementation sends
// signal 0 to the holder PID. A PID reused by an unrelated process makes a
// stale lock look live; this yields a spurious rejection, never two
// writers. Records written on another host are always treated as live.
package lock
