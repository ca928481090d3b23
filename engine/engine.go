package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recurhq/recur"
	"github.com/recurhq/recur/carbon"
	"github.com/recurhq/recur/cluster"
	"github.com/recurhq/recur/coordinator"
	"github.com/recurhq/recur/id"
	"github.com/recurhq/recur/job"
	"github.com/recurhq/recur/recurring"
	"github.com/recurhq/recur/store"
)

// Option configures an Engine during Setup.
type Option func(*Engine)

// WithForecastProvider enables carbon-aware instant selection in the
// coordinator.
func WithForecastProvider(p carbon.Provider) Option {
	return func(e *Engine) { e.forecast = p }
}

// WithEmitter sets the claim event emitter passed to the coordinator.
func WithEmitter(em coordinator.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithNow overrides the clock. Intended for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithHostname overrides the hostname reported to the cluster registry.
func WithHostname(h string) Option {
	return func(e *Engine) { e.hostname = h }
}

// Engine assembles the coordinator, registry, and cluster membership
// loops around one store, and exposes the client-facing operations.
type Engine struct {
	cfg    recur.Config
	logger *slog.Logger
	store  store.Store
	nodeID id.NodeID

	registry *recurring.Registry
	coord    *coordinator.Coordinator

	forecast carbon.Provider
	emitter  coordinator.Emitter
	now      func() time.Time
	hostname string

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Setup builds an Engine for the scheduler and attaches it as the
// scheduler's loop runner, so Scheduler.Start and Stop drive the engine
// lifecycle.
func Setup(s *recur.Scheduler, st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, recur.ErrNoStore
	}

	e := &Engine{
		cfg:    s.Config(),
		logger: s.Logger(),
		store:  st,
		nodeID: id.NewNodeID(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.hostname == "" {
		e.hostname, _ = os.Hostname()
	}

	e.registry = recurring.NewRegistry(st,
		recurring.WithLogger(e.logger),
		recurring.WithNow(e.now),
	)

	coordOpts := []coordinator.Option{
		coordinator.WithPollInterval(e.cfg.PollInterval),
		coordinator.WithCatchUpPolicy(e.cfg.CatchUpPolicy),
		coordinator.WithBatchLimit(e.cfg.BatchLimit),
		coordinator.WithDefaultRetries(e.cfg.RetryCount),
		coordinator.WithFailureSignalThreshold(e.cfg.FailureSignalThreshold),
		coordinator.WithNow(e.now),
	}
	if e.forecast != nil {
		coordOpts = append(coordOpts, coordinator.WithForecastProvider(e.forecast))
	}
	if e.emitter != nil {
		coordOpts = append(coordOpts, coordinator.WithEmitter(e.emitter))
	}
	e.coord = coordinator.New(st, st, e.nodeID, e.logger, coordOpts...)

	s.SetLoops(e)
	return e, nil
}

// Start migrates the store, registers this node, and launches the claim
// coordinator together with the cluster membership loops.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return fmt.Errorf("recur/engine: migrate store: %w", err)
	}

	n := &cluster.Node{
		ID:        e.nodeID,
		Hostname:  e.hostname,
		State:     cluster.NodeActive,
		LastSeen:  e.now(),
		CreatedAt: e.now(),
	}
	if err := e.store.RegisterNode(ctx, n); err != nil {
		return fmt.Errorf("recur/engine: register node: %w", err)
	}

	if err := e.coord.Start(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	g, loopCtx := errgroup.WithContext(loopCtx)
	e.group = g
	g.Go(func() error { return e.heartbeatLoop(loopCtx) })
	g.Go(func() error { return e.reapLoop(loopCtx) })

	e.logger.Info("engine started",
		slog.String("node_id", e.nodeID.String()),
		slog.String("hostname", e.hostname),
	)
	return nil
}

// Stop shuts the engine down: the coordinator first so no new claims are
// made, then the membership loops, then the node deregisters. Waiting is
// bounded by the configured shutdown timeout.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.coord.Stop(ctx); err != nil {
		e.logger.Warn("coordinator stop error", slog.String("error", err.Error()))
	}

	if e.cancel != nil {
		e.cancel()
		done := make(chan error, 1)
		go func() { done <- e.group.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				e.logger.Warn("membership loop error", slog.String("error", err.Error()))
			}
		case <-time.After(e.cfg.ShutdownTimeout):
			return fmt.Errorf("recur/engine: shutdown timed out after %s", e.cfg.ShutdownTimeout)
		}
	}

	if err := e.store.DeregisterNode(ctx, e.nodeID); err != nil {
		e.logger.Warn("node deregistration failed",
			slog.String("node_id", e.nodeID.String()),
			slog.String("error", err.Error()),
		)
	}

	e.logger.Info("engine stopped", slog.String("node_id", e.nodeID.String()))
	return nil
}

// heartbeatLoop reports this node's liveness on the configured interval.
func (e *Engine) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.store.HeartbeatNode(ctx, e.nodeID); err != nil {
				e.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

// reapLoop marks nodes that stopped heartbeating past the TTL as dead.
func (e *Engine) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.NodeTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			dead, err := e.store.ReapDeadNodes(ctx, e.cfg.NodeTTL)
			if err != nil {
				e.logger.Warn("node reaping failed", slog.String("error", err.Error()))
				continue
			}
			for _, n := range dead {
				e.logger.Warn("node stopped heartbeating",
					slog.String("node_id", n.ID.String()),
					slog.String("hostname", n.Hostname),
					slog.Time("last_seen", n.LastSeen),
				)
			}
		}
	}
}

// Poll runs a single coordinator tick. Exported so callers and tests can
// drive claiming without the background loop.
func (e *Engine) Poll(ctx context.Context) error { return e.coord.Poll(ctx) }

// NodeID returns this engine's cluster node id.
func (e *Engine) NodeID() id.NodeID { return e.nodeID }

// Registry returns the recurring definition registry.
func (e *Engine) Registry() *recurring.Registry { return e.registry }

// Nodes lists the cluster's registered nodes.
func (e *Engine) Nodes(ctx context.Context) ([]*cluster.Node, error) {
	return e.store.ListNodes(ctx)
}

// ──────────────────────────────────────────────────
// Client operations
// ──────────────────────────────────────────────────

// JobOption configures a one-off job instance at enqueue time.
type JobOption func(*job.Instance)

// WithLabels attaches labels to the instance.
func WithLabels(labels ...string) JobOption {
	return func(inst *job.Instance) { inst.Labels = labels }
}

// WithRetries overrides the engine-wide retry default for this instance.
func WithRetries(n int) JobOption {
	return func(inst *job.Instance) { inst.RetriesRemaining = n }
}

// RegisterRecurring registers (or idempotently re-registers) a recurring
// definition.
func (e *Engine) RegisterRecurring(ctx context.Context, def *recurring.Definition) (*recurring.Definition, error) {
	return e.registry.Upsert(ctx, def)
}

// DeleteRecurring marks a recurring definition inactive. In-flight
// instances are unaffected.
func (e *Engine) DeleteRecurring(ctx context.Context, recurringJobID string) error {
	return e.registry.Remove(ctx, recurringJobID)
}

// Enqueue creates a one-off job instance due immediately.
func (e *Engine) Enqueue(ctx context.Context, details recur.JobDetails, opts ...JobOption) (*job.Instance, error) {
	return e.ScheduleAt(ctx, details, e.now(), opts...)
}

// ScheduleAt creates a one-off job instance due at the given instant.
func (e *Engine) ScheduleAt(ctx context.Context, details recur.JobDetails, at time.Time, opts ...JobOption) (*job.Instance, error) {
	if err := details.Validate(); err != nil {
		return nil, err
	}

	inst := job.New("", at, details, e.cfg.RetryCount)
	for _, opt := range opts {
		opt(inst)
	}

	if err := e.store.CreateJob(ctx, inst); err != nil {
		return nil, fmt.Errorf("recur/engine: create instance: %w", err)
	}

	e.logger.Info("job scheduled",
		slog.String("job_id", inst.ID.String()),
		slog.Time("scheduled_at", inst.ScheduledAt),
	)
	return inst, nil
}

// Prune permanently removes old instances in the given states.
func (e *Engine) Prune(ctx context.Context, olderThan time.Time, states []job.State) (int64, error) {
	return e.store.PruneJobs(ctx, olderThan, states)
}
