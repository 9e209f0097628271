// Package sqlite provides a SQLite-backed record store for the simulated backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Sternrassler/record-gateway/internal/backendsim"
	"github.com/Sternrassler/record-gateway/internal/backendsim/sqlite/migrations"
	"github.com/Sternrassler/record-gateway/pkg/records"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists records in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ backendsim.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Open opens a SQLite record store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	files, err := fs.Glob(migrationFS, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		var applied int
		if err := sqlDB.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, file).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied > 0 {
			continue
		}
		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, file, toMillis(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// List returns all records of object in insertion order.
func (s *Store) List(ctx context.Context, object string) ([]records.Record, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT fields_json FROM records WHERE object = ? ORDER BY seq`, object)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []records.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := decodeFields(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, object, id string) (records.Record, error) {
	var raw string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT fields_json FROM records WHERE object = ? AND id = ?`, object, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backendsim.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return decodeFields(raw)
}

// Create stores fields under a new id.
func (s *Store) Create(ctx context.Context, object string, fields records.Record) (records.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := fields.Clone()
	if rec.ID() == "" {
		rec[records.IDField] = backendsim.NewID()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	now := toMillis(s.now())
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO records (object, id, fields_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		object, rec.ID(), string(raw), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("duplicate record id %q", rec.ID())
		}
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return rec, nil
}

// Update merges fields into an existing record.
func (s *Store) Update(ctx context.Context, object, id string, fields records.Record) (records.Record, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT fields_json FROM records WHERE object = ? AND id = ?`, object, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backendsim.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	rec, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		if k == records.IDField {
			continue
		}
		rec[k] = v
	}

	updated, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET fields_json = ?, updated_at = ? WHERE object = ? AND id = ?`,
		string(updated), toMillis(s.now()), object, id); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return rec, nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, object, id string) error {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM records WHERE object = ? AND id = ?`, object, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n == 0 {
		return backendsim.ErrNotFound
	}
	return nil
}

func decodeFields(raw string) (records.Record, error) {
	var rec records.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
