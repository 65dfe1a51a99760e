// Package postgres provides an exact seen-store in a Postgres table.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store keeps fingerprints in a table with a primary key on fingerprint.
type Store struct {
	pool  pool
	table string
}

// Open connects to Postgres and ensures the table exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	p, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewWithPool(ctx, p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool builds a Store from an existing pool and ensures the table.
func NewWithPool(ctx context.Context, p pool, table string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (fingerprint CHAR(40) PRIMARY KEY)`, table)
	if _, err := p.Exec(ctx, query); err != nil {
		return nil, fmt.Errorf("create seen table: %w", err)
	}
	return &Store{pool: p, table: table}, nil
}

// Seen reports whether fingerprint is stored.
func (s *Store) Seen(ctx context.Context, fingerprint string) (bool, error) {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE fingerprint = $1)`, s.table)
	if err := s.pool.QueryRow(ctx, query, fingerprint).Scan(&exists); err != nil {
		return false, fmt.Errorf("query fingerprint: %w", err)
	}
	return exists, nil
}

// MarkSeen stores fingerprint; storing it twice is a no-op.
func (s *Store) MarkSeen(ctx context.Context, fingerprint string) error {
	query := fmt.Sprintf(`INSERT INTO %s (fingerprint) VALUES ($1) ON CONFLICT DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, fingerprint); err != nil {
		return fmt.Errorf("insert fingerprint: %w", err)
	}
	return nil
}

// Close releases the pool. Closing a pgx pool twice is safe.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Clean drops the seen table.
func Clean(ctx context.Context, cfg Config) error {
	p, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()
	return cleanWithPool(ctx, p, cfg.Table)
}

func cleanWithPool(ctx context.Context, p pool, table string) error {
	table, err := tableName(table)
	if err != nil {
		return err
	}
	if _, err := p.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return fmt.Errorf("drop seen table: %w", err)
	}
	return nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "seen_urls"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

func connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("filter.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return p, nil
}
