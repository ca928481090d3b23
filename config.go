package recur

import "time"

// CatchUpPolicy controls how the coordinator handles occurrences that were
// missed while no node was running.
type CatchUpPolicy string

const (
	// CatchUpLatest enqueues only the single most recent overdue occurrence
	// after downtime. Intermediate misses are skipped (no backlog flood).
	CatchUpLatest CatchUpPolicy = "latest"

	// CatchUpAll replays every missed occurrence, oldest first, bounded by
	// Config.BatchLimit per poll tick.
	CatchUpAll CatchUpPolicy = "all"
)

// Config holds configuration for the Scheduler.
type Config struct {
	// PollInterval is how often each node scans for due recurring jobs.
	PollInterval time.Duration

	// BatchLimit caps the number of occurrences created for a single
	// recurring job within one poll tick. Only relevant with CatchUpAll.
	BatchLimit int

	// CatchUpPolicy selects the missed-occurrence behavior.
	CatchUpPolicy CatchUpPolicy

	// RetryCount is the default number of retries for job instances whose
	// definition does not override it.
	RetryCount int

	// HeartbeatInterval is how often this node reports liveness to the
	// cluster registry.
	HeartbeatInterval time.Duration

	// NodeTTL is how long a node may go without a heartbeat before being
	// considered dead.
	NodeTTL time.Duration

	// FailureSignalThreshold is the number of consecutive failed poll ticks
	// after which the monitoring signal is raised. Diagnostic only; the
	// poll loop itself is the retry mechanism and never gives up.
	FailureSignalThreshold int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:           5 * time.Second,
		BatchLimit:             100,
		CatchUpPolicy:          CatchUpLatest,
		RetryCount:             10,
		HeartbeatInterval:      15 * time.Second,
		NodeTTL:                60 * time.Second,
		FailureSignalThreshold: 5,
		ShutdownTimeout:        30 * time.Second,
	}
}
