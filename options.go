package recur

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Scheduler.
type Option func(*Scheduler) error

// Storer is the minimal store interface held by the Scheduler.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// loopRunner is an internal interface for the coordinator and heartbeat
// loop lifecycle.
type loopRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Scheduler is the central handle for recurring-job scheduling and
// distributed occurrence claiming.
//
// Create one with New() and functional options. The Scheduler holds
// references to subsystem components via internal interfaces to avoid
// import cycles. Use the Setup() function from the recur/engine package
// to wire everything together.
type Scheduler struct {
	config Config
	logger *slog.Logger
	store  Storer
	loops  loopRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Scheduler with the given options.
func New(opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Logger returns the scheduler's logger.
func (s *Scheduler) Logger() *slog.Logger { return s.logger }

// Store returns the scheduler's store.
func (s *Scheduler) Store() Storer { return s.store }

// Config returns a copy of the scheduler's configuration.
func (s *Scheduler) Config() Config { return s.config }

// SetLoops sets the loop runner (called by the engine package).
func (s *Scheduler) SetLoops(r loopRunner) { s.loops = r }

// Start begins polling for due occurrences.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.loops == nil {
		return ErrNoStore
	}
	if err := s.loops.Start(ctx); err != nil {
		return err
	}
	s.started = true
	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.loops != nil && s.started {
		if err := s.loops.Stop(ctx); err != nil {
			s.logger.Error("loop stop error", "error", err)
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// WithStore sets the persistence backend for the scheduler.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(st Storer) Option {
	return func(s *Scheduler) error {
		s.store = st
		return nil
	}
}

// WithLogger sets the structured logger for the scheduler.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) error {
		s.logger = l
		return nil
	}
}

// WithPollInterval sets how often each node scans for due recurring jobs.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) error {
		s.config.PollInterval = d
		return nil
	}
}

// WithCatchUpPolicy selects the missed-occurrence behavior.
func WithCatchUpPolicy(p CatchUpPolicy) Option {
	return func(s *Scheduler) error {
		s.config.CatchUpPolicy = p
		return nil
	}
}

// WithRetryCount sets the default retry count for job instances whose
// definition does not override it.
func WithRetryCount(n int) Option {
	return func(s *Scheduler) error {
		s.config.RetryCount = n
		return nil
	}
}

// WithBatchLimit caps per-definition occurrence creation within one tick.
func WithBatchLimit(n int) Option {
	return func(s *Scheduler) error {
		s.config.BatchLimit = n
		return nil
	}
}
