package driver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/cutover/internal/store"
	"github.com/hyperengineering/cutover/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteDriver is a SQLite-backed record store. The legacy and target
// stores each get their own database file. The schema is provisioned at
// open: the drivers model external collaborator datastores, so they are
// not part of the goose-managed control schema.
type SQLiteDriver struct {
	db   *sql.DB
	name string
}

// NewSQLiteDriver opens (and if needed provisions) a record store.
// The name labels the store in errors, e.g. "legacy" or "target".
func NewSQLiteDriver(name, dbPath string) (*SQLiteDriver, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", name, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			table_name TEXT NOT NULL,
			record_id  TEXT NOT NULL,
			fields     TEXT NOT NULL,
			version    INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (table_name, record_id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("provision %s store: %w", name, err)
	}

	return &SQLiteDriver{db: db, name: name}, nil
}

// Name returns the store label.
func (d *SQLiteDriver) Name() string {
	return d.name
}

// Close closes the database connection
func (d *SQLiteDriver) Close() error {
	return d.db.Close()
}

// Get returns a record by id.
func (d *SQLiteDriver) Get(ctx context.Context, table, id string) (*types.Record, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT table_name, record_id, fields, version, updated_at
		FROM records WHERE table_name = ? AND record_id = ?
	`, table, id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, d.classify(fmt.Errorf("get record: %w", err))
	}
	return rec, nil
}

// Upsert writes a record with version-gated last-write-wins semantics:
// an incoming version lower than the stored one leaves the row untouched,
// so retried or reordered mirror applications converge on the same state.
func (d *SQLiteDriver) Upsert(ctx context.Context, rec *types.Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO records (table_name, record_id, fields, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			fields = excluded.fields,
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE excluded.version >= records.version
	`, rec.Table, rec.ID, string(fields), rec.Version, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return d.classify(fmt.Errorf("upsert record: %w", err))
	}
	return nil
}

// Delete removes a record. Deleting an already-absent record succeeds
// silently, which makes re-applied delete mirrors safe.
func (d *SQLiteDriver) Delete(ctx context.Context, table, id string) error {
	if _, err := d.db.ExecContext(ctx, `
		DELETE FROM records WHERE table_name = ? AND record_id = ?
	`, table, id); err != nil {
		return d.classify(fmt.Errorf("delete record: %w", err))
	}
	return nil
}

// Query returns records of a table matching all filter fields.
func (d *SQLiteDriver) Query(ctx context.Context, table string, filter map[string]any, limit int) ([]types.Record, error) {
	query := `
		SELECT table_name, record_id, fields, version, updated_at
		FROM records WHERE table_name = ?`
	args := []any{table}

	for key, value := range filter {
		query += ` AND json_extract(fields, ?) = ?`
		args = append(args, "$."+key, value)
	}
	query += ` ORDER BY record_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, d.classify(fmt.Errorf("query records: %w", err))
	}
	defer rows.Close()

	var records []types.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// classify wraps driver failures with the retryability sentinel the
// outbox worker dispatches on. Context timeouts and cancellations are
// transient; everything else from SQLite here is treated as transient
// too, since schema rejections cannot occur on a provisioned store.
func (d *SQLiteDriver) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s store timeout: %w: %w", d.name, store.ErrTransient, err)
	}
	return fmt.Errorf("%s store: %w: %w", d.name, store.ErrTransient, err)
}

func scanRecord(scanner interface{ Scan(...any) error }) (*types.Record, error) {
	var rec types.Record
	var fieldsJSON string
	var updatedAt string

	if err := scanner.Scan(&rec.Table, &rec.ID, &fieldsJSON, &rec.Version, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("parse fields JSON: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return &rec, nil
}
