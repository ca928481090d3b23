package job

import (
	"context"
	"time"

	"github.com/recurhq/recur/id"
)

// ListOpts controls pagination for job instance list queries.
type ListOpts struct {
	// Limit is the maximum number of instances to return. Zero means no
	// limit.
	Limit int
	// Offset is the number of instances to skip.
	Offset int
}

// Store defines the persistence contract for job instances. All
// conditional operations map onto the backend's atomic compare-and-swap
// primitive; this interface is the engine's only coordination surface.
type Store interface {
	// CreateJob persists a new instance. It fails with
	// recur.ErrDuplicateOccurrence when a non-DELETED instance already
	// occupies the (RecurringJobID, ScheduledAt) occurrence key. That is
	// the storage-level guarantee that a due occurrence is claimed
	// exactly once across competing nodes. One-off instances (empty
	// RecurringJobID) carry no occurrence key and always insert.
	CreateJob(ctx context.Context, inst *Instance) error

	// GetJob retrieves an instance by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Instance, error)

	// UpdateJob applies a conditional update: the write succeeds and the
	// stored version is incremented only when the stored version equals
	// inst.Version, otherwise it fails with recur.ErrVersionConflict and
	// the caller re-reads. On success inst.Version reflects the new
	// stored version.
	UpdateJob(ctx context.Context, inst *Instance) error

	// LatestJobForRecurring returns the instance with the greatest
	// ScheduledAt for the recurring job, or nil when none exists yet.
	// The coordinator uses it as the persisted reference point for
	// next-occurrence computation.
	LatestJobForRecurring(ctx context.Context, recurringJobID string) (*Instance, error)

	// ListJobsByState returns instances in the given state, ordered by
	// ScheduledAt ascending.
	ListJobsByState(ctx context.Context, state State, opts ListOpts) ([]*Instance, error)

	// DeleteJob marks an instance DELETED, vacating its occurrence key.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// PruneJobs permanently removes terminal instances older than the
	// cutoff. Returns the number of instances removed.
	PruneJobs(ctx context.Context, olderThan time.Time, states []State) (int64, error)
}
