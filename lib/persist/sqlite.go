// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persist

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/tessera/lib/sqlitepool"
)

const schema = `CREATE TABLE IF NOT EXISTS entries (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID`

// SQLite is a Store backed by a single SQLite table.
type SQLite struct {
	pool *sqlitepool.Pool
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string, poolSize int, logger *slog.Logger) (*SQLite, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, err
	}
	return &SQLite{pool: pool}, nil
}

// Close closes the underlying pool.
func (s *SQLite) Close() error {
	return s.pool.Close()
}

// Put implements Store.
func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	err := s.pool.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"INSERT INTO entries (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			&sqlitex.ExecOptions{Args: []any{key, value}})
	})
	if err != nil {
		return fmt.Errorf("persist: put %s: %w", key, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	found := false
	err := s.pool.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT value FROM entries WHERE key = ?", &sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = columnBlob(stmt, 0)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("persist: get %s: %w", key, err)
	}
	return value, found, nil
}

// List implements Store.
func (s *SQLite) List(ctx context.Context, prefix string) ([]Entry, error) {
	query := "SELECT key, value FROM entries ORDER BY key"
	var args []any
	if prefix != "" {
		query = "SELECT key, value FROM entries WHERE key >= ? AND key < ? ORDER BY key"
		args = []any{prefix, prefixUpperBound(prefix)}
	}

	var entries []Entry
	err := s.pool.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, Entry{Key: stmt.ColumnText(0), Value: columnBlob(stmt, 1)})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("persist: list %s: %w", prefix, err)
	}
	return entries, nil
}

// prefixUpperBound returns the smallest string greater than every
// string starting with prefix. Keys are ASCII, so incrementing the last
// byte stays within it.
func prefixUpperBound(prefix string) string {
	upper := []byte(prefix)
	upper[len(upper)-1]++
	return string(upper)
}

func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	blob := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, blob)
	return blob
}
