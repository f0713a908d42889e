package inode_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/merklefs/merklefs/internal/inode"
)

func TestWriteReadRoundTrip(t *testing.T) {
	s := inode.New(t.TempDir(), 1, zap.NewNop().Sugar())

	n, err := s.Write(42, 0, []byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)

	got, err := s.Read(42, 0, 11)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)
}

func TestWritePastEndExtendsContent(t *testing.T) {
	s := inode.New(t.TempDir(), 1, zap.NewNop().Sugar())

	_, err := s.Write(1, 0, []byte("abc"))
	require.NoError(t, err)
	_, err = s.Write(1, 5, []byte("xy"))
	require.NoError(t, err)

	got, err := s.Read(1, 0, 7)
	require.NoError(t, err)
	require.Equal(t, []byte("abc\x00\x00xy"), got)

	size, err := s.Size(1)
	require.NoError(t, err)
	require.EqualValues(t, 7, size)
}

func TestReadPastEndReturnsEmpty(t *testing.T) {
	s := inode.New(t.TempDir(), 1, zap.NewNop().Sugar())
	_, err := s.Write(1, 0, []byte("abc"))
	require.NoError(t, err)

	got, err := s.Read(1, 10, 5)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestChangesSinceTracksWrites(t *testing.T) {
	s := inode.New(t.TempDir(), 1, zap.NewNop().Sugar())

	_, now := s.ChangesSince(0)

	_, err := s.Write(7, 0, []byte("a"))
	require.NoError(t, err)

	changed, _ := s.ChangesSince(now)
	require.Contains(t, changed, uint64(7))
}

func TestFsyncClearsDirtySet(t *testing.T) {
	dir := t.TempDir()
	s := inode.New(dir, 1, zap.NewNop().Sugar())

	_, err := s.Write(3, 0, []byte("data"))
	require.NoError(t, err)
	require.NoError(t, s.Fsync())

	// A second fsync with nothing dirty must also succeed as a no-op.
	require.NoError(t, s.Fsync())
}

func TestMarkRemoteChangeDoesNotDirty(t *testing.T) {
	s := inode.New(t.TempDir(), 1, zap.NewNop().Sugar())
	_, before := s.ChangesSince(0)

	s.MarkRemoteChange(99)

	changed, _ := s.ChangesSince(before)
	require.Contains(t, changed, uint64(99))

	// Fsync should have nothing to do: MarkRemoteChange never dirties.
	require.NoError(t, s.Fsync())
}
