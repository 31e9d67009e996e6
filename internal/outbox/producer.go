// Package outbox implements the durable mirror queue: the producer
// records intent to replicate a committed primary write, the worker
// drains pending entries into the secondary store with retry/backoff.
package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hyperengineering/cutover/internal/store"
	"github.com/hyperengineering/cutover/internal/types"
)

// IdempotencyKey deterministically derives the outbox key for a logical
// write, so repeated enqueue attempts for the same write never duplicate.
func IdempotencyKey(op types.Operation, table, recordID string, version int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", op, table, recordID, version)))
	return hex.EncodeToString(sum[:16])
}

// Producer enqueues mirror entries for committed primary writes.
type Producer struct {
	store      store.OutboxStore
	maxRetries int
	now        func() time.Time
}

// NewProducer creates a producer. maxRetries bounds the worker's retry
// budget for entries this producer creates.
func NewProducer(s store.OutboxStore, maxRetries int) *Producer {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &Producer{store: s, maxRetries: maxRetries, now: time.Now}
}

// Enqueue records the intent to mirror one logical write. It reports
// false when the entry was deduplicated (already processing or in a
// terminal state).
func (p *Producer) Enqueue(ctx context.Context, desc types.WriteDescriptor) (bool, error) {
	if !desc.Operation.Valid() {
		return false, fmt.Errorf("invalid operation %q", desc.Operation)
	}

	now := p.now().UTC()
	var payload map[string]any
	if desc.Operation == types.OperationUpsert {
		payload = desc.Fields
	}

	entry := &types.OutboxEntry{
		IdempotencyKey: IdempotencyKey(desc.Operation, desc.Table, desc.RecordID, desc.Version),
		Operation:      desc.Operation,
		Table:          desc.Table,
		RecordID:       desc.RecordID,
		Payload:        payload,
		RecordVersion:  desc.Version,
		Status:         types.OutboxPending,
		MaxRetries:     p.maxRetries,
		NextRetryAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return p.store.Enqueue(ctx, entry)
}
