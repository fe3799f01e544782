package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"kindred/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.Store using SQLite. Documents live in a
// single table keyed (user_id, collection, key); insertion order is the
// rowid, which an upsert preserves, so List order matches the JSON
// backend's.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &domain.StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, &domain.StorageError{Op: "open", Path: dbPath, Err: err}
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	logger.Info("sqlite store initialized", "path", dbPath)
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id          TEXT PRIMARY KEY,
		name        TEXT,
		created_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id     TEXT NOT NULL,
		collection  TEXT NOT NULL,
		key         TEXT NOT NULL,
		value       TEXT NOT NULL,
		updated_at  DATETIME NOT NULL,
		UNIQUE(user_id, collection, key)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_coll ON documents(user_id, collection, id);

	CREATE TABLE IF NOT EXISTS global_context (
		key         TEXT PRIMARY KEY,
		value       TEXT NOT NULL,
		updated_at  DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, userID, collection, key string, value json.RawMessage) error {
	if !validUserID.MatchString(userID) {
		return &domain.ValidationError{Field: "user_id", Reason: "must match [A-Za-z0-9_-]+"}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (user_id, collection, key, value, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, collection, key)
		 DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, collection, key, string(value), time.Now().UTC(),
	)
	if err != nil {
		return &domain.StorageError{Op: "put", Path: collection, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, userID, collection, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM documents WHERE user_id = ? AND collection = ? AND key = ?`,
		userID, collection, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "get", Path: collection, Err: err}
	}
	return json.RawMessage(value), nil
}

func (s *SQLiteStore) List(ctx context.Context, userID, collection string) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM documents
		 WHERE user_id = ? AND collection = ? ORDER BY id`,
		userID, collection,
	)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Path: collection, Err: err}
	}
	defer rows.Close()

	records := []domain.Record{}
	for rows.Next() {
		var rec domain.Record
		var value string
		if err := rows.Scan(&rec.Key, &value, &rec.UpdatedAt); err != nil {
			return nil, &domain.StorageError{Op: "scan", Path: collection, Err: err}
		}
		rec.Value = json.RawMessage(value)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, userID, collection, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE user_id = ? AND collection = ? AND key = ?`,
		userID, collection, key,
	)
	if err != nil {
		return &domain.StorageError{Op: "delete", Path: collection, Err: err}
	}
	return nil
}

func (s *SQLiteStore) RegisterUser(ctx context.Context, ref domain.UserRef) error {
	if !validUserID.MatchString(ref.ID) {
		return &domain.ValidationError{Field: "user_id", Reason: "must match [A-Za-z0-9_-]+"}
	}
	created := ref.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, name, created_at) VALUES (?, ?, ?)`,
		ref.ID, ref.Name, created,
	)
	if err != nil {
		return &domain.StorageError{Op: "register", Path: "users", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]domain.UserRef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Path: "users", Err: err}
	}
	defer rows.Close()

	refs := []domain.UserRef{}
	for rows.Next() {
		var ref domain.UserRef
		var name sql.NullString
		if err := rows.Scan(&ref.ID, &name, &ref.CreatedAt); err != nil {
			return nil, &domain.StorageError{Op: "scan", Path: "users", Err: err}
		}
		ref.Name = name.String
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *SQLiteStore) PutGlobal(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO global_context (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), time.Now().UTC(),
	)
	if err != nil {
		return &domain.StorageError{Op: "put", Path: "global_context", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetGlobal(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM global_context WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "get", Path: "global_context", Err: err}
	}
	return json.RawMessage(value), nil
}

func (s *SQLiteStore) DeleteGlobal(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM global_context WHERE key = ?`, key)
	if err != nil {
		return &domain.StorageError{Op: "delete", Path: "global_context", Err: err}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
