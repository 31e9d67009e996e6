// Package alert routes operator-attention events (terminal outbox
// failures, mirror durability gaps, detected conflicts) to a sink.
package alert

import (
	"context"
	"log/slog"

	"github.com/hyperengineering/cutover/internal/types"
)

// Sink receives events that require operator attention.
type Sink interface {
	// OutboxEntryFailed fires when an entry exhausts its retries.
	OutboxEntryFailed(ctx context.Context, entry types.OutboxEntry)

	// MirrorEnqueueGap fires when a primary write committed but the
	// mirror outbox entry could not be enqueued (durability gap to be
	// reconciled out of band).
	MirrorEnqueueGap(ctx context.Context, table, recordID string, err error)

	// ConflictDetected fires when store divergence is recorded.
	ConflictDetected(ctx context.Context, rec types.ConflictRecord)
}

// LogSink writes alerts to the structured log.
type LogSink struct{}

func (LogSink) OutboxEntryFailed(ctx context.Context, entry types.OutboxEntry) {
	slog.Error("outbox entry permanently failed",
		"component", "alert",
		"action", "outbox_failed",
		"idempotency_key", entry.IdempotencyKey,
		"table", entry.Table,
		"record_id", entry.RecordID,
		"retries", entry.Retries,
		"last_error", entry.LastError,
	)
}

func (LogSink) MirrorEnqueueGap(ctx context.Context, table, recordID string, err error) {
	slog.Error("mirror enqueue failed after committed primary write",
		"component", "alert",
		"action", "mirror_gap",
		"table", table,
		"record_id", recordID,
		"error", err,
	)
}

func (LogSink) ConflictDetected(ctx context.Context, rec types.ConflictRecord) {
	slog.Warn("store divergence detected",
		"component", "alert",
		"action", "conflict_detected",
		"conflict_id", rec.ID,
		"entity_type", rec.EntityType,
		"entity_id", rec.EntityID,
	)
}
