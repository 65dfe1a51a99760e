// Package postgres stores each priority class in its own table named
// <basename>_<priority>.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-frontier/internal/queue"
)

var validBaseName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table naming.
type Config struct {
	DSN             string
	BaseName        string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Backend maps priorities to tables in one database.
type Backend struct {
	pool    pgxPool
	base    string
	pattern *regexp.Regexp
}

// New connects to Postgres.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, errors.New("queue.postgres.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	b, err := NewWithPool(pool, cfg.BaseName)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// NewWithPool builds a Backend from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, base string) (*Backend, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if base == "" {
		base = "task_priority"
	}
	if !validBaseName.MatchString(base) {
		return nil, fmt.Errorf("invalid table base name %q", base)
	}
	return &Backend{
		pool:    pool,
		base:    base,
		pattern: regexp.MustCompile(`^` + regexp.QuoteMeta(base) + `_(\d+)$`),
	}, nil
}

// Table returns the table holding priority.
func (b *Backend) Table(priority int) string {
	return fmt.Sprintf("%s_%d", b.base, priority)
}

// Open creates the table for priority if needed.
func (b *Backend) Open(ctx context.Context, priority int) (queue.Partition, error) {
	table := b.Table(priority)
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	target TEXT NOT NULL,
	priority INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	payload BYTEA NOT NULL
)`, table)
	if _, err := b.pool.Exec(ctx, query); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &Partition{pool: b.pool, table: table}, nil
}

// Discover lists priorities with an existing table in the current schema.
func (b *Backend) Discover(ctx context.Context) ([]int, error) {
	rows, err := b.pool.Query(ctx, `
SELECT table_name FROM information_schema.tables
WHERE table_schema = current_schema() AND table_name LIKE $1`, b.base+"%")
	if err != nil {
		return nil, fmt.Errorf("list queue tables: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		m := b.pattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		p, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queue tables: %w", err)
	}
	sort.Ints(out)
	return out, nil
}

// Clean drops every queue table.
func (b *Backend) Clean(ctx context.Context) error {
	priorities, err := b.Discover(ctx)
	if err != nil {
		return err
	}
	for _, p := range priorities {
		if err := dropTable(ctx, b.pool, b.Table(p)); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the pool.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

// Partition is one priority table.
type Partition struct {
	pool  pgxPool
	table string
}

// Push inserts records in one transaction.
func (p *Partition) Push(ctx context.Context, records []queue.Record) (err error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin push: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	query := fmt.Sprintf(
		`INSERT INTO %s (target, priority, created_at, retry_count, payload) VALUES ($1, $2, $3, $4, $5)`,
		p.table,
	)
	for _, rec := range records {
		if _, err = tx.Exec(ctx, query, rec.Target, rec.Priority, rec.CreatedAt, rec.RetryCount, rec.Payload); err != nil {
			return fmt.Errorf("insert %q: %w", rec.Target, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit push: %w", err)
	}
	return nil
}

// Pop deletes and returns the n oldest rows in one statement.
func (p *Partition) Pop(ctx context.Context, n int) ([]queue.Record, error) {
	query := fmt.Sprintf(`
DELETE FROM %[1]s WHERE id IN (
	SELECT id FROM %[1]s ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED
) RETURNING id, target, priority, created_at, retry_count, payload`, p.table)
	rows, err := p.pool.Query(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("pop %s: %w", p.table, err)
	}
	defer rows.Close()

	var out []queue.Record
	for rows.Next() {
		var rec queue.Record
		if err := rows.Scan(&rec.ID, &rec.Target, &rec.Priority, &rec.CreatedAt, &rec.RetryCount, &rec.Payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pop %s: %w", p.table, err)
	}
	// RETURNING order is unspecified.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len counts queued rows.
func (p *Partition) Len(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", p.table, err)
	}
	return n, nil
}

// Close is a no-op; the backend owns the pool.
func (p *Partition) Close() error {
	return nil
}

// Drop removes the table.
func (p *Partition) Drop(ctx context.Context) error {
	return dropTable(ctx, p.pool, p.table)
}

func dropTable(ctx context.Context, pool pgxPool, table string) error {
	if _, err := pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	return nil
}
