// Package sqlitekv is a SQLite-backed fallbackkv.StandaloneBackend,
// suitable as the always-available local store a facade falls all the
// way back to when every clustered target is down.
package sqlitekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/kvmux/fallbackkv"
)

// Store is a single-table SQLite key/value store.
type Store struct {
	path string
	db   *sql.DB
}

// New returns an unopened Store rooted at path. Open happens in
// Start, matching the rest of a fallbackkv.StandaloneBackend's
// lifecycle.
func New(path string) *Store {
	return &Store{path: path}
}

// Start implements fallbackkv.StandaloneBackend: it opens the
// database (creating the parent directory and the kv table if
// needed) under WAL journaling with a busy timeout, so a slow writer
// never collides with a concurrent reader.
func (s *Store) Start(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("sqlitekv: create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", s.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("sqlitekv: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("sqlitekv: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv (key BLOB PRIMARY KEY, value BLOB NOT NULL)`); err != nil {
		db.Close()
		return fmt.Errorf("sqlitekv: create table: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return fmt.Errorf("sqlitekv: chmod: %w", err)
	}
	s.db = db
	return nil
}

// Stop implements fallbackkv.StandaloneBackend.
func (s *Store) Stop(context.Context) error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// CreateTransaction implements fallbackkv.StandaloneBackend.
func (s *Store) CreateTransaction(ctx context.Context) (fallbackkv.Transaction, error) {
	if s.db == nil {
		return nil, errors.New("sqlitekv: not started")
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: begin: %w", err)
	}
	return &Tx{sqlTx: sqlTx}, nil
}

// Tx adapts a *sql.Tx over the kv table to fallbackkv.Transaction.
type Tx struct {
	sqlTx *sql.Tx
}

// Get implements fallbackkv.Transaction.
func (t *Tx) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := t.sqlTx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: get: %w", err)
	}
	return value, nil
}

// Put implements fallbackkv.Transaction.
func (t *Tx) Put(ctx context.Context, key, value []byte) error {
	_, err := t.sqlTx.ExecContext(ctx, `
INSERT INTO kv(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`, key, value)
	if err != nil {
		return fmt.Errorf("sqlitekv: put: %w", err)
	}
	return nil
}

// Delete implements fallbackkv.Transaction.
func (t *Tx) Delete(ctx context.Context, key []byte) error {
	if _, err := t.sqlTx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlitekv: delete: %w", err)
	}
	return nil
}

// ForEach implements fallbackkv.Transaction.
func (t *Tx) ForEach(ctx context.Context, fn func(key, value []byte) error) error {
	rows, err := t.sqlTx.QueryContext(ctx, `SELECT key, value FROM kv`)
	if err != nil {
		return fmt.Errorf("sqlitekv: scan: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("sqlitekv: scan row: %w", err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Commit implements fallbackkv.Transaction.
func (t *Tx) Commit(context.Context) error {
	if err := t.sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlitekv: commit: %w", err)
	}
	return nil
}

// Rollback implements fallbackkv.Transaction.
func (t *Tx) Rollback(context.Context) error {
	err := t.sqlTx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("sqlitekv: rollback: %w", err)
	}
	return nil
}
