package redis

import "time"

// Redis key naming conventions. All keys are prefixed with "recur:" to
// avoid collisions.

const keyPrefix = "recur:"

// ── Job instance keys ──

// jobKey returns the key for an instance hash: recur:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIDsKey is the Set tracking all instance IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// occurrenceKey returns the claim key for one occurrence of a recurring
// job: recur:occ:{recurringID}:{scheduledAt}. Claimed with SET NX; holds
// the winning instance's ID.
func occurrenceKey(recurringJobID string, scheduledAt time.Time) string {
	return keyPrefix + "occ:" + recurringJobID + ":" + scheduledAt.UTC().Format(time.RFC3339Nano)
}

// recurringJobsKey returns the Sorted Set indexing a recurring job's
// instances by scheduled instant: recur:rec_jobs:{recurringID}
func recurringJobsKey(recurringJobID string) string {
	return keyPrefix + "rec_jobs:" + recurringJobID
}

// ── Recurring definition keys ──

// recurringKey returns the key for a definition hash: recur:recurring:{id}
func recurringKey(id string) string { return keyPrefix + "recurring:" + id }

// recurringIDsKey is the Set tracking all definition IDs for enumeration.
const recurringIDsKey = keyPrefix + "recurring_ids"

// ── Cluster keys ──

// nodeKey returns the key for a node hash: recur:node:{id}
func nodeKey(id string) string { return keyPrefix + "node:" + id }

// nodeIDsKey is the Set tracking all node IDs for enumeration.
const nodeIDsKey = keyPrefix + "node_ids"
