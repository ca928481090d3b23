// Package sqlite provides a single-node durable store backend over
// database/sql with the pure-Go modernc.org/sqlite driver.
//
// The schema mirrors the postgres backend: a partial unique index over
// (recurring_job_id, scheduled_at) excluding DELETED rows enforces
// occurrence uniqueness, and conditional updates compare the version
// column in the UPDATE's WHERE clause. Timestamps are stored as RFC 3339
// text in UTC.
package sqlite
