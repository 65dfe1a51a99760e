// Package sqlite stores each priority class in its own SQLite file named
// <basename>_<priority>.db under one directory.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/queue"
	"github.com/JakeFAU/crawl-frontier/internal/sqlitedb"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	target TEXT NOT NULL,
	priority INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	payload BLOB NOT NULL
);`

// Config locates the partition files.
type Config struct {
	Dir      string
	BaseName string
}

// Backend opens one SQLite database per priority.
type Backend struct {
	dir     string
	base    string
	pattern *regexp.Regexp
}

// New validates cfg and creates the directory.
func New(cfg Config) (*Backend, error) {
	if cfg.Dir == "" {
		return nil, errors.New("queue.sqlite.dir is required")
	}
	if cfg.BaseName == "" {
		cfg.BaseName = "task_priority"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &Backend{
		dir:     cfg.Dir,
		base:    cfg.BaseName,
		pattern: regexp.MustCompile(`^` + regexp.QuoteMeta(cfg.BaseName) + `_(\d+)\.db$`),
	}, nil
}

// Path returns the file holding priority.
func (b *Backend) Path(priority int) string {
	return filepath.Join(b.dir, fmt.Sprintf("%s_%d.db", b.base, priority))
}

// Open opens or creates the partition file for priority.
func (b *Backend) Open(ctx context.Context, priority int) (queue.Partition, error) {
	path := b.Path(priority)
	db, err := sqlitedb.Open(ctx, path, schema)
	if err != nil {
		return nil, err
	}
	return &Partition{db: db, path: path}, nil
}

// Discover scans the directory for partition files.
func (b *Backend) Discover(context.Context) ([]int, error) {
	entries, err := os.ReadDir(b.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue dir: %w", err)
	}
	var out []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := b.pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		p, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}

// Clean removes every partition file.
func (b *Backend) Clean(ctx context.Context) error {
	priorities, err := b.Discover(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range priorities {
		errs = append(errs, sqlitedb.Remove(b.Path(p)))
	}
	return errors.Join(errs...)
}

// Close is a no-op; partitions own their handles.
func (b *Backend) Close() error {
	return nil
}

// Partition is one SQLite file.
type Partition struct {
	db        *sql.DB
	path      string
	closeOnce sync.Once
	closeErr  error
}

// Push inserts records in one transaction.
func (p *Partition) Push(ctx context.Context, records []queue.Record) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin push: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO queue (target, priority, created_at, retry_count, payload) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare push: %w", err)
	}
	defer stmt.Close()
	for _, rec := range records {
		if _, err = stmt.ExecContext(ctx,
			rec.Target, rec.Priority, rec.CreatedAt.UnixNano(), rec.RetryCount, rec.Payload,
		); err != nil {
			return fmt.Errorf("insert %q: %w", rec.Target, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit push: %w", err)
	}
	return nil
}

// Pop selects and deletes the n oldest records in one transaction.
func (p *Partition) Pop(ctx context.Context, n int) (_ []queue.Record, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin pop: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, target, priority, created_at, retry_count, payload FROM queue ORDER BY id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	var out []queue.Record
	for rows.Next() {
		var (
			rec     queue.Record
			created int64
		)
		if err = rows.Scan(&rec.ID, &rec.Target, &rec.Priority, &created, &rec.RetryCount, &rec.Payload); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, rec)
	}
	if err = rows.Close(); err != nil {
		return nil, fmt.Errorf("close rows: %w", err)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	if len(out) == 0 {
		return nil, tx.Commit()
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM queue WHERE id <= ?`, out[len(out)-1].ID); err != nil {
		return nil, fmt.Errorf("delete records: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pop: %w", err)
	}
	return out, nil
}

// Len counts queued records.
func (p *Partition) Len(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Close closes the database handle once.
func (p *Partition) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.db.Close()
	})
	return p.closeErr
}

// Drop closes the partition and removes its file.
func (p *Partition) Drop(context.Context) error {
	if err := p.Close(); err != nil {
		return fmt.Errorf("close before drop: %w", err)
	}
	return sqlitedb.Remove(p.path)
}
