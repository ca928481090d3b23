package recurring

import "context"

// Store defines the persistence contract for recurring job definitions.
type Store interface {
	// UpsertRecurring creates or replaces a definition record.
	UpsertRecurring(ctx context.Context, def *Definition) error

	// GetRecurring retrieves a definition by id. Fails with
	// recur.ErrRecurringNotFound when no record exists, active or not.
	GetRecurring(ctx context.Context, recurringJobID string) (*Definition, error)

	// ListActiveRecurring returns all active definitions. This feeds the
	// coordinator's poll, so backends should keep it cheap.
	ListActiveRecurring(ctx context.Context) ([]*Definition, error)

	// RemoveRecurring marks a definition inactive.
	RemoveRecurring(ctx context.Context, recurringJobID string) error
}
