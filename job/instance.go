package job

import (
	"fmt"
	"time"

	"github.com/recurhq/recur"
	"github.com/recurhq/recur/backoff"
	"github.com/recurhq/recur/id"
)

// State represents the lifecycle state of a job instance.
type State string

const (
	// StateScheduled means the instance is waiting for its due instant.
	StateScheduled State = "SCHEDULED"
	// StateEnqueued means the instance is due and visible to the
	// execution layer.
	StateEnqueued State = "ENQUEUED"
	// StateProcessing means the execution layer is running the job.
	StateProcessing State = "PROCESSING"
	// StateSucceeded means the job finished successfully. Terminal.
	StateSucceeded State = "SUCCEEDED"
	// StateFailed means the job failed. Terminal once retries are
	// exhausted; otherwise the instance may return to SCHEDULED.
	StateFailed State = "FAILED"
	// StateDeleted means the instance was explicitly deleted. Terminal.
	// Deleted instances vacate their occurrence uniqueness key.
	StateDeleted State = "DELETED"
)

// Terminal reports whether s permits no further transitions.
// FAILED is terminal only when no retries remain, which is the
// instance's concern, not the state's; see Instance.Terminal.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateDeleted
}

// transitions is the permitted state graph. DELETED is reachable from
// every non-terminal state and handled separately.
var transitions = map[State][]State{
	StateScheduled:  {StateEnqueued},
	StateEnqueued:   {StateProcessing},
	StateProcessing: {StateSucceeded, StateFailed},
	StateFailed:     {StateScheduled},
}

// CanTransition reports whether the lifecycle permits moving from one
// state to another.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateDeleted {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Instance is one concrete unit of scheduled work: an occurrence derived
// from a recurring job definition, or a standalone one-off job.
type Instance struct {
	recur.Entity

	ID id.JobID `json:"id"`

	// RecurringJobID links the instance to its recurring definition.
	// Empty means a one-off job.
	RecurringJobID string `json:"recurring_job_id,omitempty"`

	// Version is the optimistic-concurrency token. The store increments
	// it on every successful conditional update.
	Version int64 `json:"version"`

	State State `json:"state"`

	// ScheduledAt is the instant the instance is due. Together with
	// RecurringJobID it forms the occurrence uniqueness key. For
	// carbon-aware occurrences this is the window opening instant, which
	// every node computes identically regardless of forecast state.
	ScheduledAt time.Time `json:"scheduled_at"`

	// RunAt optionally defers execution past ScheduledAt. Carbon-aware
	// occurrences carry the selected lowest-intensity instant here. Nil
	// means run at ScheduledAt.
	RunAt *time.Time `json:"run_at,omitempty"`

	RetriesRemaining int              `json:"retries_remaining"`
	RetryCount       int              `json:"retry_count"`
	Labels           []string         `json:"labels,omitempty"`
	Details          recur.JobDetails `json:"details"`
	LastError        string           `json:"last_error,omitempty"`

	EnqueuedAt  *time.Time `json:"enqueued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a SCHEDULED instance due at the given instant.
func New(recurringJobID string, scheduledAt time.Time, details recur.JobDetails, retries int) *Instance {
	return &Instance{
		Entity:           recur.NewEntity(),
		ID:               id.NewJobID(),
		RecurringJobID:   recurringJobID,
		Version:          1,
		State:            StateScheduled,
		ScheduledAt:      scheduledAt.UTC(),
		RetriesRemaining: retries,
		Details:          details,
	}
}

// Terminal reports whether the instance permits no further transitions.
func (i *Instance) Terminal() bool {
	if i.State == StateFailed {
		return i.RetriesRemaining <= 0
	}
	return i.State.Terminal()
}

// Transition moves the instance to the target state, stamping the
// relevant timestamp. It fails with recur.ErrInvalidState when the
// lifecycle forbids the move. The caller persists the result through the
// store's conditional update.
func (i *Instance) Transition(to State) error {
	if i.State == StateFailed && to == StateScheduled && i.RetriesRemaining <= 0 {
		return fmt.Errorf("%w: %s", recur.ErrRetriesExhausted, i.ID)
	}
	if !CanTransition(i.State, to) {
		return fmt.Errorf("%w: %s → %s", recur.ErrInvalidState, i.State, to)
	}

	now := time.Now().UTC()
	switch to {
	case StateEnqueued:
		i.EnqueuedAt = &now
	case StateProcessing:
		i.StartedAt = &now
	case StateSucceeded, StateFailed:
		i.CompletedAt = &now
	}

	i.State = to
	i.Touch()
	return nil
}

// Retry reschedules a FAILED instance, decrementing the retry budget and
// pushing ScheduledAt forward by the strategy's delay for this attempt.
func (i *Instance) Retry(bo backoff.Strategy) error {
	if i.State != StateFailed {
		return fmt.Errorf("%w: retry from %s", recur.ErrInvalidState, i.State)
	}
	if err := i.Transition(StateScheduled); err != nil {
		return err
	}

	i.RetriesRemaining--
	i.RetryCount++
	i.ScheduledAt = time.Now().UTC().Add(bo.Delay(i.RetryCount))
	i.RunAt = nil
	i.CompletedAt = nil
	return nil
}
