package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/cutover/internal/types"
)

const outboxColumns = `idempotency_key, operation, table_name, record_id, payload, record_version,
	status, retries, max_retries, last_error, next_retry_at, claimed_at, created_at, updated_at`

// Enqueue upserts an outbox entry by idempotency key. Re-enqueueing a key
// that is already processing, done, or failed is a no-op; a pending entry
// has its payload snapshot refreshed instead.
func (s *SQLiteStore) Enqueue(ctx context.Context, entry *types.OutboxEntry) (bool, error) {
	payload, err := nullableSnapshot(entry.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox_entries (`+outboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?, '', ?, NULL, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			payload = excluded.payload,
			record_version = excluded.record_version,
			updated_at = excluded.updated_at
		WHERE outbox_entries.status = 'pending'
	`,
		entry.IdempotencyKey, entry.Operation, entry.Table, entry.RecordID,
		payload, entry.RecordVersion, entry.MaxRetries,
		fmtTime(entry.NextRetryAt), fmtTime(entry.CreatedAt), fmtTime(entry.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("enqueue outbox entry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ClaimPending claims up to limit ready entries oldest-first. An entry is
// ready when it is pending with next_retry_at due, or processing with a
// claim older than the lease (crash recovery). The claim is a conditional
// UPDATE so concurrent drains cannot double-claim.
func (s *SQLiteStore) ClaimPending(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]types.OutboxEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	nowStr := fmtTime(now)
	leaseCutoff := fmtTime(now.Add(-lease))

	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key FROM outbox_entries
		WHERE (status = 'pending' AND next_retry_at <= ?)
		   OR (status = 'processing' AND claimed_at IS NOT NULL AND claimed_at <= ?)
		ORDER BY created_at ASC
		LIMIT ?
	`, nowStr, leaseCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query ready entries: %w", err)
	}

	var candidates []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate key: %w", err)
		}
		candidates = append(candidates, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}

	var claimed []types.OutboxEntry
	for _, key := range candidates {
		result, err := s.db.ExecContext(ctx, `
			UPDATE outbox_entries
			SET status = 'processing', claimed_at = ?, updated_at = ?
			WHERE idempotency_key = ?
			  AND ((status = 'pending' AND next_retry_at <= ?)
			    OR (status = 'processing' AND claimed_at IS NOT NULL AND claimed_at <= ?))
		`, nowStr, nowStr, key, nowStr, leaseCutoff)
		if err != nil {
			return nil, fmt.Errorf("claim entry %s: %w", key, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("get rows affected: %w", err)
		}
		if affected == 0 {
			// Lost the race to another drain.
			continue
		}

		entry, err := s.GetEntry(ctx, key)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *entry)
	}

	return claimed, nil
}

// MarkDone transitions a processing entry to the terminal done state.
func (s *SQLiteStore) MarkDone(ctx context.Context, idempotencyKey string, now time.Time) error {
	return s.transition(ctx, idempotencyKey, `
		UPDATE outbox_entries
		SET status = 'done', claimed_at = NULL, last_error = '', updated_at = ?
		WHERE idempotency_key = ? AND status = 'processing'
	`, fmtTime(now), idempotencyKey)
}

// MarkRetry returns a processing entry to pending with retries incremented
// and a later next_retry_at.
func (s *SQLiteStore) MarkRetry(ctx context.Context, idempotencyKey string, lastError string, nextRetryAt, now time.Time) error {
	return s.transition(ctx, idempotencyKey, `
		UPDATE outbox_entries
		SET status = 'pending', retries = retries + 1, last_error = ?,
		    next_retry_at = ?, claimed_at = NULL, updated_at = ?
		WHERE idempotency_key = ? AND status = 'processing'
	`, lastError, fmtTime(nextRetryAt), fmtTime(now), idempotencyKey)
}

// MarkFailed transitions a processing entry to the terminal failed state.
func (s *SQLiteStore) MarkFailed(ctx context.Context, idempotencyKey string, lastError string, now time.Time) error {
	return s.transition(ctx, idempotencyKey, `
		UPDATE outbox_entries
		SET status = 'failed', retries = retries + 1, last_error = ?,
		    claimed_at = NULL, updated_at = ?
		WHERE idempotency_key = ? AND status = 'processing'
	`, lastError, fmtTime(now), idempotencyKey)
}

func (s *SQLiteStore) transition(ctx context.Context, key, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition outbox entry %s: %w", key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetEntry returns the outbox entry for the given idempotency key.
func (s *SQLiteStore) GetEntry(ctx context.Context, idempotencyKey string) (*types.OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox_entries WHERE idempotency_key = ?
	`, idempotencyKey)

	entry, err := scanOutboxEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan outbox entry: %w", err)
	}
	return entry, nil
}

// ListFailed returns terminally failed entries, oldest first.
func (s *SQLiteStore) ListFailed(ctx context.Context, limit int) ([]types.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox_entries
		WHERE status = 'failed'
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed entries: %w", err)
	}
	defer rows.Close()

	var entries []types.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// CountPending returns the number of entries still awaiting mirror
// application (pending or processing).
func (s *SQLiteStore) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox_entries WHERE status IN ('pending', 'processing')
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending entries: %w", err)
	}
	return count, nil
}

// scanOutboxEntry scans a row into an OutboxEntry, handling the nullable
// payload and claim timestamp.
func scanOutboxEntry(scanner interface{ Scan(...any) error }) (*types.OutboxEntry, error) {
	var entry types.OutboxEntry
	var payload sql.NullString
	var claimedAt sql.NullString
	var nextRetryAt, createdAt, updatedAt string

	err := scanner.Scan(
		&entry.IdempotencyKey,
		&entry.Operation,
		&entry.Table,
		&entry.RecordID,
		&payload,
		&entry.RecordVersion,
		&entry.Status,
		&entry.Retries,
		&entry.MaxRetries,
		&entry.LastError,
		&nextRetryAt,
		&claimedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &entry.Payload); err != nil {
			return nil, fmt.Errorf("parse payload JSON: %w", err)
		}
	}
	if claimedAt.Valid {
		t := parseTime(claimedAt.String)
		entry.ClaimedAt = &t
	}
	entry.NextRetryAt = parseTime(nextRetryAt)
	entry.CreatedAt = parseTime(createdAt)
	entry.UpdatedAt = parseTime(updatedAt)

	return &entry, nil
}

// nullableSnapshot marshals a snapshot map, returning NULL for nil
// (delete operations carry no payload).
func nullableSnapshot(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
