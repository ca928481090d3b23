// Package postgres provides a PostgreSQL store backend using pgx/v5.
//
// The occurrence-uniqueness invariant is enforced by a partial unique
// index over (recurring_job_id, scheduled_at) that excludes DELETED
// rows, so claim arbitration between nodes is a plain INSERT race and
// deleting an instance vacates its occurrence key without extra
// bookkeeping. Conditional updates compare the version column in the
// UPDATE's WHERE clause.
package postgres
