package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/cutover/internal/types"
	"github.com/oklog/ulid/v2"
)

const conflictColumns = `id, entity_type, entity_id, server_snapshot, client_snapshot,
	status, resolution, resolved_by, resolved_at, detected_at, updated_at`

// Detect records divergence for an entity. If an open conflict already
// exists for (entityType, entityID) the snapshots are refreshed in place
// and the original detection timestamp is preserved; otherwise a new open
// record is created. The single-open invariant is enforced by a partial
// unique index, so a concurrent insert race resolves to a refresh.
func (s *SQLiteStore) Detect(ctx context.Context, entityType, entityID string, serverSnapshot, clientSnapshot map[string]any) (*types.ConflictRecord, error) {
	serverJSON, err := json.Marshal(serverSnapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal server snapshot: %w", err)
	}
	clientJSON, err := json.Marshal(clientSnapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal client snapshot: %w", err)
	}

	now := fmtTime(time.Now())

	refresh := func() (bool, error) {
		result, err := s.db.ExecContext(ctx, `
			UPDATE conflict_records
			SET server_snapshot = ?, client_snapshot = ?, updated_at = ?
			WHERE entity_type = ? AND entity_id = ? AND status = 'open'
		`, string(serverJSON), string(clientJSON), now, entityType, entityID)
		if err != nil {
			return false, fmt.Errorf("refresh conflict: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("get rows affected: %w", err)
		}
		return affected > 0, nil
	}

	refreshed, err := refresh()
	if err != nil {
		return nil, err
	}
	if !refreshed {
		id := ulid.Make().String()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conflict_records (id, entity_type, entity_id, server_snapshot, client_snapshot, status, detected_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'open', ?, ?)
		`, id, entityType, entityID, string(serverJSON), string(clientJSON), now, now)
		if err != nil {
			if !isUniqueViolation(err) {
				return nil, fmt.Errorf("insert conflict: %w", err)
			}
			// Concurrent detect won the insert; refresh its record.
			if _, err := refresh(); err != nil {
				return nil, err
			}
		}
	}

	return s.getOpen(ctx, entityType, entityID)
}

func (s *SQLiteStore) getOpen(ctx context.Context, entityType, entityID string) (*types.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conflictColumns+` FROM conflict_records
		WHERE entity_type = ? AND entity_id = ? AND status = 'open'
	`, entityType, entityID)

	rec, err := scanConflictRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan conflict record: %w", err)
	}
	return rec, nil
}

// Get returns a conflict by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*types.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conflictColumns+` FROM conflict_records WHERE id = ?
	`, id)

	rec, err := scanConflictRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan conflict record: %w", err)
	}
	return rec, nil
}

// ListOpen returns open conflicts, oldest detection first.
func (s *SQLiteStore) ListOpen(ctx context.Context, limit int) ([]types.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conflictColumns+` FROM conflict_records
		WHERE status = 'open'
		ORDER BY detected_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query open conflicts: %w", err)
	}
	defer rows.Close()

	var records []types.ConflictRecord
	for rows.Next() {
		rec, err := scanConflictRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// MarkResolved transitions an open conflict to resolved. Missing or
// already-resolved conflicts return ErrNotFound.
func (s *SQLiteStore) MarkResolved(ctx context.Context, id string, resolution types.Resolution, actorID string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conflict_records
		SET status = 'resolved', resolution = ?, resolved_by = ?, resolved_at = ?, updated_at = ?
		WHERE id = ? AND status = 'open'
	`, resolution, actorID, fmtTime(now), fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("resolve conflict %s: %w", id, err)
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

func scanConflictRecord(scanner interface{ Scan(...any) error }) (*types.ConflictRecord, error) {
	var rec types.ConflictRecord
	var serverJSON, clientJSON string
	var resolution, resolvedBy, resolvedAt sql.NullString
	var detectedAt, updatedAt string

	err := scanner.Scan(
		&rec.ID,
		&rec.EntityType,
		&rec.EntityID,
		&serverJSON,
		&clientJSON,
		&rec.Status,
		&resolution,
		&resolvedBy,
		&resolvedAt,
		&detectedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(serverJSON), &rec.ServerSnapshot); err != nil {
		return nil, fmt.Errorf("parse server snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(clientJSON), &rec.ClientSnapshot); err != nil {
		return nil, fmt.Errorf("parse client snapshot: %w", err)
	}
	if resolution.Valid {
		rec.Resolution = types.Resolution(resolution.String)
	}
	if resolvedBy.Valid {
		rec.ResolvedBy = resolvedBy.String
	}
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		rec.ResolvedAt = &t
	}
	rec.DetectedAt = parseTime(detectedAt)
	rec.UpdatedAt = parseTime(updatedAt)

	return &rec, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
