// Package conflict applies operator-chosen resolutions to recorded
// store divergence.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/cutover/internal/driver"
	"github.com/hyperengineering/cutover/internal/outbox"
	"github.com/hyperengineering/cutover/internal/store"
	"github.com/hyperengineering/cutover/internal/types"
)

// ErrInvalidResolution is returned before any store access when the
// requested resolution is not one of the three allowed values.
var ErrInvalidResolution = errors.New("invalid resolution")

// Resolver applies resolutions against both stores and the outbox.
type Resolver struct {
	conflicts store.ConflictStore
	primary   driver.Driver
	secondary driver.Driver
	producer  *outbox.Producer
	now       func() time.Time
}

// NewResolver creates a resolver. The producer mirrors client-wins
// primary writes to the target store.
func NewResolver(conflicts store.ConflictStore, primary, secondary driver.Driver, producer *outbox.Producer) *Resolver {
	return &Resolver{
		conflicts: conflicts,
		primary:   primary,
		secondary: secondary,
		producer:  producer,
		now:       time.Now,
	}
}

// Resolve applies the chosen resolution to the conflict's entity.
// The conflict is marked resolved only after every affected write is
// durably accepted; any partial failure leaves it open and returns an
// error so the operator can retry.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, resolution types.Resolution, actorID string) (*types.ConflictRecord, error) {
	if !resolution.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	rec, err := r.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if rec.Status != types.ConflictOpen {
		return nil, store.ErrNotFound
	}

	version := r.now().UnixNano()

	switch resolution {
	case types.ResolutionServerWins:
		err = r.secondary.Upsert(ctx, r.record(rec, rec.ServerSnapshot, version))

	case types.ResolutionClientWins:
		err = r.applyClientWins(ctx, rec, version)

	case types.ResolutionMerge:
		err = r.applyMerge(ctx, rec, version)
	}
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", resolution, err)
	}

	now := r.now().UTC()
	if err := r.conflicts.MarkResolved(ctx, conflictID, resolution, actorID, now); err != nil {
		return nil, err
	}

	slog.Info("conflict resolved",
		"component", "conflict",
		"action", "resolve",
		"conflict_id", conflictID,
		"resolution", resolution,
		"actor_id", actorID,
	)
	return r.conflicts.Get(ctx, conflictID)
}

func (r *Resolver) applyClientWins(ctx context.Context, rec *types.ConflictRecord, version int64) error {
	if err := r.primary.Upsert(ctx, r.record(rec, rec.ClientSnapshot, version)); err != nil {
		return err
	}
	_, err := r.producer.Enqueue(ctx, types.WriteDescriptor{
		Operation: types.OperationUpsert,
		Table:     rec.EntityType,
		RecordID:  rec.EntityID,
		Fields:    rec.ClientSnapshot,
		Version:   version,
	})
	return err
}

func (r *Resolver) applyMerge(ctx context.Context, rec *types.ConflictRecord, version int64) error {
	merged := MergeSnapshots(rec.ServerSnapshot, rec.ClientSnapshot)
	if err := r.primary.Upsert(ctx, r.record(rec, merged, version)); err != nil {
		return err
	}
	return r.secondary.Upsert(ctx, r.record(rec, merged, version))
}

func (r *Resolver) record(rec *types.ConflictRecord, fields map[string]any, version int64) *types.Record {
	return &types.Record{
		Table:   rec.EntityType,
		ID:      rec.EntityID,
		Fields:  fields,
		Version: version,
	}
}

// MergeSnapshots computes the field union of both snapshots. For keys
// present in both, the client's value wins; keys unique to either side
// are kept.
func MergeSnapshots(server, client map[string]any) map[string]any {
	merged := make(map[string]any, len(server)+len(client))
	for k, v := range server {
		merged[k] = v
	}
	for k, v := range client {
		merged[k] = v
	}
	return merged
}
