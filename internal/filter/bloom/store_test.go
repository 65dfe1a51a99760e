package bloom

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "filter", "bloom.db")

	s, err := Open(Config{Path: path, Capacity: 1000, FalsePositiveRate: 0.001})
	require.NoError(t, err)
	require.False(t, s.Loaded())

	seen, err := s.Seen(ctx, "fp-1")
	require.NoError(t, err)
	require.False(t, seen)
	require.NoError(t, s.MarkSeen(ctx, "fp-1"))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	reopened, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.True(t, reopened.Loaded())
	seen, err = reopened.Seen(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, seen)
	require.NoError(t, reopened.Close())

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestStoreWithoutPath(t *testing.T) {
	t.Parallel()

	s, err := Open(Config{})
	require.NoError(t, err)
	require.NoError(t, s.MarkSeen(context.Background(), "x"))
	require.NoError(t, s.Close())
}

func TestOpenCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bloom.db")
	require.NoError(t, os.WriteFile(path, []byte{1, 2}, 0o600))

	_, err := Open(Config{Path: path})
	require.Error(t, err)
}

func TestClean(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bloom.db")
	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, Clean(path))
	require.NoError(t, Clean(path))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
