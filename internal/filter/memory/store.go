// Package memory provides an exact seen-store held in memory, optionally
// backed by an append-only file of fingerprints.
package memory

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is an in-memory fingerprint set.
type Store struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	file   *os.File
	closed bool
}

// New returns a Store without persistence.
func New() *Store {
	return &Store{seen: make(map[string]struct{})}
}

// Open loads fingerprints from path, one per line, and appends new ones to it.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create seen dir: %w", err)
	}
	s := New()
	if err := s.load(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open seen file: %w", err)
	}
	s.file = f
	return s, nil
}

func (s *Store) load(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open seen file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if fp := strings.TrimSpace(scanner.Text()); fp != "" {
			s.seen[fp] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read seen file: %w", err)
	}
	return nil
}

// Seen reports whether fingerprint was marked.
func (s *Store) Seen(_ context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[fingerprint]
	return ok, nil
}

// MarkSeen records fingerprint.
func (s *Store) MarkSeen(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[fingerprint]; ok {
		return nil
	}
	if s.file != nil {
		if s.closed {
			return errors.New("seen store closed")
		}
		if _, err := s.file.WriteString(fingerprint + "\n"); err != nil {
			return fmt.Errorf("append seen file: %w", err)
		}
	}
	s.seen[fingerprint] = struct{}{}
	return nil
}

// Len returns the number of fingerprints held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Close syncs and closes the backing file, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("sync seen file: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close seen file: %w", err)
	}
	return nil
}

// Clean removes the fingerprint file at path.
func Clean(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove seen file: %w", err)
	}
	return nil
}
