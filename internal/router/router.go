// Package router directs reads and writes to the legacy or target store
// according to the resolved migration modes, mirrors dual-mode writes
// through the outbox, and feeds shadow-mode reads to the comparator.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/cutover/internal/alert"
	"github.com/hyperengineering/cutover/internal/driver"
	"github.com/hyperengineering/cutover/internal/mode"
	"github.com/hyperengineering/cutover/internal/outbox"
	"github.com/hyperengineering/cutover/internal/shadow"
	"github.com/hyperengineering/cutover/internal/store"
	"github.com/hyperengineering/cutover/internal/types"
)

// ErrInvalidOperation rejects write descriptors whose operation is not
// one of the known kinds.
var ErrInvalidOperation = errors.New("invalid operation")

// ShadowSubmitter receives read results for background verification.
// Implemented by shadow.Comparator.
type ShadowSubmitter interface {
	Submit(job shadow.Job)
}

// Router routes reads and writes per the migration mode configuration.
type Router struct {
	modes    mode.ModeConfig
	legacy   driver.Driver
	target   driver.Driver
	producer *outbox.Producer
	alerts   alert.Sink
	shadow   ShadowSubmitter
	now      func() time.Time
}

// New creates a router. shadowSub may be nil when shadow comparison is
// not running; shadow-mode reads then skip verification.
func New(modes mode.ModeConfig, legacy, target driver.Driver, producer *outbox.Producer, alerts alert.Sink, shadowSub ShadowSubmitter) *Router {
	return &Router{
		modes:    modes,
		legacy:   legacy,
		target:   target,
		producer: producer,
		alerts:   alerts,
		shadow:   shadowSub,
		now:      time.Now,
	}
}

// Modes returns the mode configuration the router was built with.
func (r *Router) Modes() mode.ModeConfig {
	return r.modes
}

// primary is the authoritative store under the current backend mode.
func (r *Router) primary() driver.Driver {
	if r.modes.Backend == mode.BackendTarget {
		return r.target
	}
	return r.legacy
}

// Read fetches a record from the primary store. In shadow mode the
// result is also submitted for non-blocking comparison against the
// target store; the caller only ever waits on the primary read.
func (r *Router) Read(ctx context.Context, table, id string) (*types.Record, error) {
	rec, err := r.primary().Get(ctx, table, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("primary read %s/%s: %w", table, id, err)
	}

	if r.modes.Shadow() && r.shadow != nil {
		r.shadow.Submit(shadow.Job{Table: table, ID: id, Primary: rec})
	}
	return rec, err
}

// Query lists records from the primary store. Shadow mode submits each
// result row for comparison.
func (r *Router) Query(ctx context.Context, table string, filter map[string]any, limit int) ([]types.Record, error) {
	records, err := r.primary().Query(ctx, table, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("primary query %s: %w", table, err)
	}

	if r.modes.Shadow() && r.shadow != nil {
		for i := range records {
			r.shadow.Submit(shadow.Job{Table: table, ID: records[i].ID, Primary: &records[i]})
		}
	}
	return records, nil
}

// Write applies the descriptor synchronously to the primary store. A
// primary failure aborts the call with no side effects. When writes are
// dual, a committed primary write enqueues exactly one mirror outbox
// entry; an enqueue failure never rolls back the primary write — it is
// alerted as a durability gap and the caller still succeeds.
func (r *Router) Write(ctx context.Context, desc types.WriteDescriptor) (types.WriteDescriptor, error) {
	if !desc.Operation.Valid() {
		return desc, fmt.Errorf("%w: %q", ErrInvalidOperation, desc.Operation)
	}
	if desc.Version == 0 {
		desc.Version = r.now().UnixNano()
	}

	switch desc.Operation {
	case types.OperationUpsert:
		rec := &types.Record{
			Table:     desc.Table,
			ID:        desc.RecordID,
			Fields:    desc.Fields,
			Version:   desc.Version,
			UpdatedAt: r.now().UTC(),
		}
		if err := r.primary().Upsert(ctx, rec); err != nil {
			return desc, fmt.Errorf("primary write %s/%s: %w", desc.Table, desc.RecordID, err)
		}
	case types.OperationDelete:
		if err := r.primary().Delete(ctx, desc.Table, desc.RecordID); err != nil {
			return desc, fmt.Errorf("primary delete %s/%s: %w", desc.Table, desc.RecordID, err)
		}
	}

	if r.modes.Dual() {
		if _, err := r.producer.Enqueue(ctx, desc); err != nil {
			slog.Error("mirror enqueue failed after committed primary write",
				"component", "router",
				"table", desc.Table,
				"record_id", desc.RecordID,
				"operation", string(desc.Operation),
				"error", err,
			)
			r.alerts.MirrorEnqueueGap(ctx, desc.Table, desc.RecordID, err)
		}
	}
	return desc, nil
}
