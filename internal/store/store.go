package store

import (
	"context"
	"time"

	"github.com/hyperengineering/cutover/internal/types"
)

// OutboxStore is the durable queue of pending cross-store operations.
type OutboxStore interface {
	// Enqueue upserts an entry by idempotency key. It reports false when
	// the entry was deduplicated because an entry with the same key is
	// already processing, done, or failed.
	Enqueue(ctx context.Context, entry *types.OutboxEntry) (bool, error)

	// ClaimPending atomically claims up to limit ready entries
	// (pending with next_retry_at due, or processing with an expired
	// lease), oldest first.
	ClaimPending(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]types.OutboxEntry, error)

	// MarkDone transitions a processing entry to done.
	MarkDone(ctx context.Context, idempotencyKey string, now time.Time) error

	// MarkRetry returns a processing entry to pending with an incremented
	// retry count and a later next_retry_at.
	MarkRetry(ctx context.Context, idempotencyKey string, lastError string, nextRetryAt, now time.Time) error

	// MarkFailed transitions a processing entry to the terminal failed state.
	MarkFailed(ctx context.Context, idempotencyKey string, lastError string, now time.Time) error

	// GetEntry returns the entry for the given idempotency key.
	GetEntry(ctx context.Context, idempotencyKey string) (*types.OutboxEntry, error)

	// ListFailed returns terminally failed entries for operator attention.
	ListFailed(ctx context.Context, limit int) ([]types.OutboxEntry, error)

	// CountPending returns the number of entries not yet in a terminal state.
	CountPending(ctx context.Context) (int64, error)
}

// ConflictStore is the ledger of detected divergence between stores.
type ConflictStore interface {
	// Detect records divergence for an entity. It creates a new open
	// record if none exists, otherwise refreshes the snapshots in place
	// while preserving the original detection timestamp.
	Detect(ctx context.Context, entityType, entityID string, serverSnapshot, clientSnapshot map[string]any) (*types.ConflictRecord, error)

	// Get returns a conflict by id.
	Get(ctx context.Context, id string) (*types.ConflictRecord, error)

	// ListOpen returns open conflicts, oldest detection first.
	ListOpen(ctx context.Context, limit int) ([]types.ConflictRecord, error)

	// MarkResolved transitions an open conflict to resolved. Returns
	// ErrNotFound when the conflict is missing or already resolved.
	MarkResolved(ctx context.Context, id string, resolution types.Resolution, actorID string, now time.Time) error
}

// ControlStore is the combined durable control-plane storage.
type ControlStore interface {
	OutboxStore
	ConflictStore
	Close() error
}
