package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"

	_ "modernc.org/sqlite"
)

// SQLite is a Backend persisted in a SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Backend = (*SQLite)(nil)

// OpenSQLite opens the database at path, creating the schema if needed. An
// empty path opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS entries (
			ns    INTEGER NOT NULL,
			key   BLOB    NOT NULL,
			value BLOB,
			PRIMARY KEY (ns, key)
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("preparing database: %w", err)
		}
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Read(ctx context.Context, ns Namespace, key hash.Hash) ([]byte, error) {
	var val []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM entries WHERE ns = ? AND key = ?", int(ns), key[:]).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, failure.Wrapf(failure.ErrMissingEntry, "%s %s", ns, key)
		}
		return nil, fmt.Errorf("querying %s %s: %w", ns, key, err)
	}
	if val == nil {
		val = []byte{}
	}
	return val, nil
}

func (s *SQLite) Apply(ctx context.Context, ns Namespace, batch []Write) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, w := range batch {
		if w.Value == nil {
			_, err = tx.ExecContext(ctx, "DELETE FROM entries WHERE ns = ? AND key = ?", int(ns), w.Key[:])
		} else {
			_, err = tx.ExecContext(ctx, "INSERT OR REPLACE INTO entries (ns, key, value) VALUES (?, ?, ?)", int(ns), w.Key[:], w.Value)
		}
		if err != nil {
			return fmt.Errorf("writing %s %s: %w", ns, w.Key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}
