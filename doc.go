// Package recur provides a distributed recurring-job scheduling engine
// for Go. Jobs are persisted in a durable store so they survive process
// restarts and can be served by any node in a cluster.
//
// Recur is designed as a library, not a service. Import it, configure a
// store, register recurring job definitions, and run the claim coordinator.
//
// # Quick Start
//
//	s, err := recur.New(
//	    recur.WithStore(pgStore),
//	    recur.WithPollInterval(5*time.Second),
//	)
//
// # Architecture
//
// Recur follows a composable store pattern where each subsystem (job,
// recurring, cluster) defines its own store interface. A single backend
// implements all of them.
//
// Coordination between scheduler nodes happens exclusively through the
// store's conditional-write primitives: every node deterministically
// computes the same next due instant for a recurring job, and the store's
// uniqueness constraint on (recurring job, scheduled instant) lets exactly
// one node claim each occurrence. There is no leader election and no
// inter-node messaging.
//
// Schedule expressions come in three grammars: cron (5- or 6-field),
// ISO-8601 intervals, and carbon-aware expressions that delay execution
// inside a permitted window to the lowest-forecast-emission hour.
//
// Job instance IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package recur
