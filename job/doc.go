// Package job defines the job instance lifecycle and its persistence
// contract.
//
// A job instance (one occurrence of a recurring job, or a standalone
// one-off job) moves through:
//
//	SCHEDULED → ENQUEUED → PROCESSING → SUCCEEDED | FAILED
//
// A FAILED instance returns to SCHEDULED while retries remain; any
// non-terminal instance can be moved to DELETED explicitly. SUCCEEDED,
// DELETED, and retry-exhausted FAILED are terminal and immutable apart
// from storage-retention pruning.
//
// Every persisted update is a compare-and-swap on the instance's version
// counter. That conditional update is the single concurrency primitive
// the whole engine relies on: the store applies a transition and
// increments the version only when the caller's expected version matches,
// otherwise it fails with recur.ErrVersionConflict and the caller
// re-reads. Creation is conditional too: at most one non-DELETED
// instance may exist per (recurring job, scheduled instant) pair, which
// is what arbitrates the multi-node claim race.
package job
