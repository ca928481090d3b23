// Package recurring defines recurring job definitions and the registry
// that owns them.
//
// A Definition couples an opaque work payload with a schedule expression
// and scheduling metadata. Definitions are never mutated in place: Upsert
// compares a content hash, and a definition re-registered with identical
// content is a no-op while differing content replaces the record and
// resets its scheduling anchor to "now", so an edited cron expression is
// evaluated from the moment of the edit, not from the old last-fire
// instant.
//
// Removing a definition marks it inactive; job instances already created
// from it are unaffected. The coordinator reads the active set on every
// poll tick, so removal takes effect within one polling interval on every
// node.
package recurring
