// Package driver defines the record-store contract the router and outbox
// worker speak to both datastores through. Implementations must make
// Upsert order-insensitive (version-gated last-write-wins) and Delete
// idempotent, because mirror application may retry and reorder.
package driver

import (
	"context"

	"github.com/hyperengineering/cutover/internal/types"
)

// Driver is the minimal datastore surface the migration core consumes.
type Driver interface {
	// Get returns a record by id, or store.ErrNotFound.
	Get(ctx context.Context, table, id string) (*types.Record, error)

	// Upsert writes a record. A record with a version lower than the
	// stored one is silently ignored; re-applying the same record is a
	// no-op on the resulting state.
	Upsert(ctx context.Context, rec *types.Record) error

	// Delete removes a record by id. Deleting an absent record succeeds.
	Delete(ctx context.Context, table, id string) error

	// Query returns records of a table whose fields match the filter.
	Query(ctx context.Context, table string, filter map[string]any, limit int) ([]types.Record, error)

	Close() error
}
