package recurring

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/recurhq/recur"
)

// Registry is the catalog of recurring job definitions. It owns
// definition records exclusively; everything else reads them through
// ListActive.
type Registry struct {
	store  Store
	logger *slog.Logger

	// now is the clock, injectable for tests.
	now func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the structured logger for the registry.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithNow overrides the clock. Intended for tests.
func WithNow(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a Registry backed by the given store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:  store,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert registers a definition. An empty ID is derived from the payload
// and expression. Re-registering identical content is a no-op; differing
// content replaces the record and resets its scheduling anchor to the
// upsert instant, so an edited expression is evaluated from "now" rather
// than from the old last-fire instant.
func (r *Registry) Upsert(ctx context.Context, def *Definition) (*Definition, error) {
	if def.ID == "" {
		def.ID = DeriveID(def.Details, def.Expression)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	hash := def.Hash()

	existing, err := r.store.GetRecurring(ctx, def.ID)
	switch {
	case err == nil:
		if existing.Active && existing.ContentHash == hash {
			r.logger.Debug("recurring job unchanged",
				slog.String("recurring_job_id", def.ID),
			)
			return existing, nil
		}
	case errors.Is(err, recur.ErrRecurringNotFound):
		existing = nil
	default:
		return nil, err
	}

	def.ContentHash = hash
	def.Active = true
	def.AnchorAt = r.now()
	if existing != nil {
		def.Entity = existing.Entity
		def.Touch()
	} else {
		def.Entity = recur.NewEntity()
	}

	if err := r.store.UpsertRecurring(ctx, def); err != nil {
		return nil, err
	}

	r.logger.Info("recurring job registered",
		slog.String("recurring_job_id", def.ID),
		slog.String("expression", def.Expression),
		slog.Bool("replaced", existing != nil),
	)
	return def, nil
}

// Remove marks a definition inactive. In-flight job instances already
// created from it are unaffected; every node stops producing new
// occurrences within one polling interval.
func (r *Registry) Remove(ctx context.Context, recurringJobID string) error {
	if err := r.store.RemoveRecurring(ctx, recurringJobID); err != nil {
		return err
	}
	r.logger.Info("recurring job removed",
		slog.String("recurring_job_id", recurringJobID),
	)
	return nil
}

// Get retrieves a definition by id.
func (r *Registry) Get(ctx context.Context, recurringJobID string) (*Definition, error) {
	return r.store.GetRecurring(ctx, recurringJobID)
}

// ListActive returns all active definitions.
func (r *Registry) ListActive(ctx context.Context) ([]*Definition, error) {
	return r.store.ListActiveRecurring(ctx)
}
