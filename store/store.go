package store

import (
	"context"

	"github.com/recurhq/recur/cluster"
	"github.com/recurhq/recur/job"
	"github.com/recurhq/recur/recurring"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (postgres, sqlite, redis, memory) implements all of them.
type Store interface {
	job.Store
	recurring.Store
	cluster.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
