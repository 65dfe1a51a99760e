// Package sqlite provides an exact seen-store in a SQLite table with a
// unique fingerprint column.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-frontier/internal/sqlitedb"
)

const schema = `
CREATE TABLE IF NOT EXISTS urls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint CHAR(40) NOT NULL UNIQUE
);`

// Store keeps fingerprints in SQLite.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
	closeErr  error
}

// Open creates or opens the store at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlitedb.Open(ctx, path, schema)
	if err != nil {
		return nil, fmt.Errorf("open seen store: %w", err)
	}
	return &Store{db: db}, nil
}

// Seen reports whether fingerprint is stored.
func (s *Store) Seen(ctx context.Context, fingerprint string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM urls WHERE fingerprint = ?`, fingerprint).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query fingerprint: %w", err)
	}
	return true, nil
}

// MarkSeen stores fingerprint; storing it twice is a no-op.
func (s *Store) MarkSeen(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO urls (fingerprint) VALUES (?)`, fingerprint); err != nil {
		return fmt.Errorf("insert fingerprint: %w", err)
	}
	return nil
}

// Count returns the number of stored fingerprints.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM urls`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fingerprints: %w", err)
	}
	return n, nil
}

// Close closes the database once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Clean deletes the database at path.
func Clean(path string) error {
	return sqlitedb.Remove(path)
}
