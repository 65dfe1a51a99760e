// Package layered composes a fast probabilistic seen-store with an exact one.
package layered

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/crawl-frontier/internal/filter"
)

// Store answers from the fast store when it reports a miss and confirms hits
// with the exact store.
type Store struct {
	fast  filter.SeenStore
	exact filter.SeenStore
	// trustFast is false when the fast store may be missing fingerprints the
	// exact store holds, e.g. after a crash before the bloom file was written.
	trustFast bool

	closeOnce sync.Once
	closeErr  error
}

// New builds a Store. When trustFast is false every lookup goes to the exact
// store while the fast store is still populated on MarkSeen.
func New(fast, exact filter.SeenStore, trustFast bool) *Store {
	return &Store{fast: fast, exact: exact, trustFast: trustFast}
}

// Seen reports whether fingerprint has been admitted.
func (s *Store) Seen(ctx context.Context, fingerprint string) (bool, error) {
	if s.trustFast {
		hit, err := s.fast.Seen(ctx, fingerprint)
		if err != nil {
			return false, err
		}
		if !hit {
			return false, nil
		}
	}
	return s.exact.Seen(ctx, fingerprint)
}

// MarkSeen records fingerprint in both stores, exact first.
func (s *Store) MarkSeen(ctx context.Context, fingerprint string) error {
	if err := s.exact.MarkSeen(ctx, fingerprint); err != nil {
		return err
	}
	return s.fast.MarkSeen(ctx, fingerprint)
}

// Close closes both stores once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.fast.Close(), s.exact.Close())
	})
	return s.closeErr
}
