package lww_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/merklefs/merklefs/internal/lww"
)

func TestWriteReadBeforeCutRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.json")
	r, err := lww.New(path, 1, zap.NewNop().Sugar())
	require.NoError(t, err)

	r.Write([]byte("hello"))
	require.Equal(t, []byte("hello"), r.Read())
}

func TestCutRootFsyncFloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.json")
	r, err := lww.New(path, 1, zap.NewNop().Sugar())
	require.NoError(t, err)

	r.Write([]byte("a"))
	require.NoError(t, r.CutRoot())
	require.NoError(t, r.Fsync())

	r2, err := lww.New(path, 1, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, r2.Fload())

	require.Equal(t, []byte("a"), r2.Read())
}

func TestLWWConvergesOnHigherHeightReplica(t *testing.T) {
	// Simulate S2: R1 writes "hello", then R2's write (with a higher
	// height after sync) should win regardless of local arrival order.
	r1, err := lww.New(filepath.Join(t.TempDir(), "r1.json"), 1, zap.NewNop().Sugar())
	require.NoError(t, err)
	r2, err := lww.New(filepath.Join(t.TempDir(), "r2.json"), 2, zap.NewNop().Sugar())
	require.NoError(t, err)

	r1.Write([]byte("hello"))
	require.NoError(t, r1.CutRoot())

	// Bring r2 up to date with r1's state first (simulating sync), then
	// r2 writes "world" which produces a strictly higher height.
	for hash, n := range r1.Nodes() {
		r2.PutNode(r1.Nodes()[hash])
		_ = n
	}
	require.NoError(t, r2.AddRoot(r1.RootHash()))

	r2.Write([]byte("world"))
	require.NoError(t, r2.CutRoot())

	for hash, n := range r2.Nodes() {
		r1.PutNode(r2.Nodes()[hash])
		_ = n
	}
	require.NoError(t, r1.AddRoot(r2.RootHash()))

	require.Equal(t, []byte("world"), r1.Read())
	require.Equal(t, []byte("world"), r2.Read())
}

func TestCutRootNoopWhenNotDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.json")
	r, err := lww.New(path, 1, zap.NewNop().Sugar())
	require.NoError(t, err)

	rootBefore := r.RootHash()
	require.NoError(t, r.CutRoot())
	require.Equal(t, rootBefore, r.RootHash())
}
