// Package memory provides a fully in-memory store backend.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/recurhq/recur"
	"github.com/recurhq/recur/cluster"
	"github.com/recurhq/recur/id"
	"github.com/recurhq/recur/job"
	"github.com/recurhq/recur/recurring"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store       = (*Store)(nil)
	_ recurring.Store = (*Store)(nil)
	_ cluster.Store   = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	closed     bool
	jobs       map[string]*job.Instance
	recurrings map[string]*recurring.Definition
	nodes      map[string]*cluster.Node

	// occurrences indexes live (non-DELETED) occurrence keys to job IDs,
	// enforcing the at-most-one-instance-per-occurrence invariant.
	occurrences map[string]string
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]*job.Instance),
		recurrings:  make(map[string]*recurring.Definition),
		nodes:       make(map[string]*cluster.Node),
		occurrences: make(map[string]string),
	}
}

// occurrenceKey identifies one due occurrence of a recurring job.
func occurrenceKey(recurringJobID string, scheduledAt time.Time) string {
	return recurringJobID + "|" + scheduledAt.UTC().Format(time.RFC3339Nano)
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is still open.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return recur.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Idempotent.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new instance, enforcing occurrence uniqueness for
// recurring occurrences.
func (m *Store) CreateJob(_ context.Context, inst *job.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := inst.ID.String()
	if _, exists := m.jobs[key]; exists {
		return fmt.Errorf("%w: job id %s already exists", recur.ErrInvalidArgument, key)
	}

	if inst.RecurringJobID != "" {
		occ := occurrenceKey(inst.RecurringJobID, inst.ScheduledAt)
		if _, claimed := m.occurrences[occ]; claimed {
			return recur.ErrDuplicateOccurrence
		}
		m.occurrences[occ] = key
	}

	cp := *inst
	m.jobs[key] = &cp
	return nil
}

// GetJob retrieves an instance by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, recur.ErrJobNotFound
	}
	cp := *inst
	return &cp, nil
}

// UpdateJob applies a conditional update by expected version.
func (m *Store) UpdateJob(_ context.Context, inst *job.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := inst.ID.String()
	stored, ok := m.jobs[key]
	if !ok {
		return recur.ErrJobNotFound
	}
	if stored.Version != inst.Version {
		return recur.ErrVersionConflict
	}

	switch {
	// A transition to DELETED vacates the occurrence key.
	case inst.State == job.StateDeleted && stored.State != job.StateDeleted && inst.RecurringJobID != "":
		delete(m.occurrences, occurrenceKey(inst.RecurringJobID, stored.ScheduledAt))

	// A reschedule (retry with backoff) moves the occurrence key with the
	// row, matching the index-follows-row behavior of the SQL backends.
	case inst.RecurringJobID != "" && stored.State != job.StateDeleted && !stored.ScheduledAt.Equal(inst.ScheduledAt):
		newOcc := occurrenceKey(inst.RecurringJobID, inst.ScheduledAt)
		if owner, claimed := m.occurrences[newOcc]; claimed && owner != key {
			return recur.ErrDuplicateOccurrence
		}
		delete(m.occurrences, occurrenceKey(inst.RecurringJobID, stored.ScheduledAt))
		m.occurrences[newOcc] = key
	}

	cp := *inst
	cp.Version = inst.Version + 1
	m.jobs[key] = &cp
	inst.Version = cp.Version
	return nil
}

// LatestJobForRecurring returns the instance with the greatest
// ScheduledAt for the recurring job, or nil when none exists yet.
func (m *Store) LatestJobForRecurring(_ context.Context, recurringJobID string) (*job.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *job.Instance
	for _, inst := range m.jobs {
		if inst.RecurringJobID != recurringJobID {
			continue
		}
		if latest == nil || inst.ScheduledAt.After(latest.ScheduledAt) {
			latest = inst
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// ListJobsByState returns instances in the given state, ordered by
// ScheduledAt ascending.
func (m *Store) ListJobsByState(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*job.Instance, 0)
	for _, inst := range m.jobs {
		if inst.State == state {
			cp := *inst
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ScheduledAt.Before(matched[j].ScheduledAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// DeleteJob marks an instance DELETED, vacating its occurrence key.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[jobID.String()]
	if !ok {
		return recur.ErrJobNotFound
	}
	if stored.State != job.StateDeleted && stored.RecurringJobID != "" {
		delete(m.occurrences, occurrenceKey(stored.RecurringJobID, stored.ScheduledAt))
	}
	stored.State = job.StateDeleted
	stored.Version++
	stored.Touch()
	return nil
}

// PruneJobs permanently removes instances in the given states whose last
// update is older than the cutoff.
func (m *Store) PruneJobs(_ context.Context, olderThan time.Time, states []job.State) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stateSet := make(map[job.State]struct{}, len(states))
	for _, s := range states {
		stateSet[s] = struct{}{}
	}

	var pruned int64
	for key, inst := range m.jobs {
		if _, ok := stateSet[inst.State]; !ok {
			continue
		}
		if !inst.UpdatedAt.Before(olderThan) {
			continue
		}
		if inst.State != job.StateDeleted && inst.RecurringJobID != "" {
			delete(m.occurrences, occurrenceKey(inst.RecurringJobID, inst.ScheduledAt))
		}
		delete(m.jobs, key)
		pruned++
	}
	return pruned, nil
}

// ──────────────────────────────────────────────────
// Recurring Store
// ──────────────────────────────────────────────────

// UpsertRecurring creates or replaces a definition record.
func (m *Store) UpsertRecurring(_ context.Context, def *recurring.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *def
	m.recurrings[def.ID] = &cp
	return nil
}

// GetRecurring retrieves a definition by id.
func (m *Store) GetRecurring(_ context.Context, recurringJobID string) (*recurring.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.recurrings[recurringJobID]
	if !ok {
		return nil, recur.ErrRecurringNotFound
	}
	cp := *def
	return &cp, nil
}

// ListActiveRecurring returns all active definitions, ordered by id for
// deterministic iteration.
func (m *Store) ListActiveRecurring(_ context.Context) ([]*recurring.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := make([]*recurring.Definition, 0, len(m.recurrings))
	for _, def := range m.recurrings {
		if def.Active {
			cp := *def
			active = append(active, &cp)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

// RemoveRecurring marks a definition inactive.
func (m *Store) RemoveRecurring(_ context.Context, recurringJobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.recurrings[recurringJobID]
	if !ok {
		return recur.ErrRecurringNotFound
	}
	def.Active = false
	def.Touch()
	return nil
}

// ──────────────────────────────────────────────────
// Cluster Store
// ──────────────────────────────────────────────────

// RegisterNode adds a node to the cluster registry.
func (m *Store) RegisterNode(_ context.Context, n *cluster.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *n
	m.nodes[n.ID.String()] = &cp
	return nil
}

// DeregisterNode removes a node from the cluster registry.
func (m *Store) DeregisterNode(_ context.Context, nodeID id.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[nodeID.String()]; !ok {
		return recur.ErrNodeNotFound
	}
	delete(m.nodes, nodeID.String())
	return nil
}

// HeartbeatNode updates the last-seen timestamp for a node.
func (m *Store) HeartbeatNode(_ context.Context, nodeID id.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[nodeID.String()]
	if !ok {
		return recur.ErrNodeNotFound
	}
	n.LastSeen = time.Now().UTC()
	n.State = cluster.NodeActive
	return nil
}

// ListNodes returns all registered nodes.
func (m *Store) ListNodes(_ context.Context) ([]*cluster.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]*cluster.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		cp := *n
		nodes = append(nodes, &cp)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID.String() < nodes[j].ID.String() })
	return nodes, nil
}

// ReapDeadNodes marks nodes past the liveness threshold as dead and
// returns them.
func (m *Store) ReapDeadNodes(_ context.Context, threshold time.Duration) ([]*cluster.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var dead []*cluster.Node
	for _, n := range m.nodes {
		if n.State != cluster.NodeDead && n.LastSeen.Before(cutoff) {
			n.State = cluster.NodeDead
			cp := *n
			dead = append(dead, &cp)
		}
	}
	return dead, nil
}
