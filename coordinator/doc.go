// Package coordinator implements the distributed claim loop.
//
// Every scheduler node runs one Coordinator against the shared store. On
// each poll tick it walks the active recurring definitions, computes the
// next due instant (or carbon-aware window) from the persisted reference
// point, and attempts a conditional create of the corresponding job
// instance. Because the computation is deterministic over persisted
// state, competing nodes derive the same occurrence and race on the
// store's uniqueness key; exactly one create succeeds and the losers
// observe recur.ErrDuplicateOccurrence, which is an expected outcome and
// discarded silently.
//
// There is no leader election, no lock service, and no inter-node
// messaging. Clock skew between nodes is tolerated up to the polling
// granularity: a late node loses races for already-claimed occurrences
// and converges on the following one.
//
// One definition's failure never blocks the rest of the tick: each
// definition's work is isolated, logged, and skipped independently. Store
// timeouts are treated as transient (the loop itself is the retry
// mechanism), but a monitoring signal is raised after a configurable
// number of consecutive failed ticks.
package coordinator
