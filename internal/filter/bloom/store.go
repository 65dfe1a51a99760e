// Package bloom provides a probabilistic seen-store backed by a bloom filter
// persisted to a file.
//
// A bloom filter never forgets a fingerprint but may report one it never
// saw. Admission through this store can therefore drop a new target at the
// configured false-positive rate.
package bloom

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	bbloom "github.com/bits-and-blooms/bloom/v3"
)

// Config sizes the filter and names its file.
type Config struct {
	Path              string
	Capacity          uint
	FalsePositiveRate float64
}

// Store is a bloom filter that is loaded at open and rewritten at close.
type Store struct {
	mu     sync.Mutex
	filter *bbloom.BloomFilter
	path   string
	loaded bool
	closed bool
}

// Open loads the filter from cfg.Path or creates an empty one.
func Open(cfg Config) (*Store, error) {
	if cfg.Capacity == 0 {
		cfg.Capacity = 10240
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = 0.001
	}
	s := &Store{path: cfg.Path}
	if cfg.Path != "" {
		loaded, err := load(cfg.Path)
		if err != nil {
			return nil, err
		}
		if loaded != nil {
			s.filter = loaded
			s.loaded = true
			return s, nil
		}
	}
	s.filter = bbloom.NewWithEstimates(cfg.Capacity, cfg.FalsePositiveRate)
	return s, nil
}

func load(path string) (*bbloom.BloomFilter, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open bloom file: %w", err)
	}
	defer f.Close()

	filter := &bbloom.BloomFilter{}
	if _, err := filter.ReadFrom(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("read bloom file %s: %w", path, err)
	}
	return filter, nil
}

// Loaded reports whether the filter came from an existing file.
func (s *Store) Loaded() bool {
	return s.loaded
}

// Seen reports whether fingerprint may have been marked.
func (s *Store) Seen(_ context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.TestString(fingerprint), nil
}

// MarkSeen adds fingerprint.
func (s *Store) MarkSeen(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter.AddString(fingerprint)
	return nil
}

// Close writes the filter to its file through a temporary file and rename.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.path == "" {
		s.closed = true
		return nil
	}
	s.closed = true
	return s.flush()
}

func (s *Store) flush() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create bloom dir: %w", err)
	}
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create bloom file: %w", err)
	}
	w := bufio.NewWriter(f)
	if _, err := s.filter.WriteTo(w); err != nil {
		_ = f.Close()
		return fmt.Errorf("write bloom file: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush bloom file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close bloom file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace bloom file: %w", err)
	}
	return nil
}

// Clean removes the filter file at path.
func Clean(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove bloom file: %w", err)
	}
	return nil
}
