// Package store defines the aggregate persistence interface. Each
// subsystem (job, recurring, cluster) defines its own store interface; the
// composite Store composes them all. Backends: Postgres, SQLite, Redis,
// and Memory.
//
// The engine asks very little of a backend: conditional single-record
// create (the occurrence uniqueness key), conditional single-record update
// by expected version, and the "most recent instance for recurring id"
// query. Anything that can express those atomically can serve as a
// coordination substrate.
package store
