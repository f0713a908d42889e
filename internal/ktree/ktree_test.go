package ktree_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/merklefs/merklefs/internal/ktree"
)

func newTestTree(t *testing.T, replica int64) *ktree.Tree {
	t.Helper()
	tr, err := ktree.New(filepath.Join(t.TempDir(), "ktree.json"), replica, zap.NewNop().Sugar())
	require.NoError(t, err)
	return tr
}

func TestMkdirMkfLookupList(t *testing.T) {
	tr := newTestTree(t, 1)

	dir, err := tr.Mkdir(ktree.RootID, "docs")
	require.NoError(t, err)
	file, err := tr.Mkf(dir, "readme.md")
	require.NoError(t, err)

	got, ok := tr.Lookup(ktree.RootID, "docs")
	require.True(t, ok)
	require.Equal(t, dir, got)

	got, ok = tr.Lookup(dir, "readme.md")
	require.True(t, ok)
	require.Equal(t, file, got)

	entries := tr.List(dir)
	require.Equal(t, map[string]ktree.ID{"readme.md": file}, entries)

	parent, name, ok := tr.ParentOf(file)
	require.True(t, ok)
	require.Equal(t, dir, parent)
	require.Equal(t, "readme.md", name)
}

func TestRenameMovesEntry(t *testing.T) {
	tr := newTestTree(t, 1)

	a, err := tr.Mkdir(ktree.RootID, "a")
	require.NoError(t, err)
	b, err := tr.Mkdir(ktree.RootID, "b")
	require.NoError(t, err)
	f, err := tr.Mkf(a, "x.txt")
	require.NoError(t, err)

	require.NoError(t, tr.Rename(f, b, "y.txt"))

	_, ok := tr.Lookup(a, "x.txt")
	require.False(t, ok)
	got, ok := tr.Lookup(b, "y.txt")
	require.True(t, ok)
	require.Equal(t, f, got)
}

func TestRemoveMovesToTrash(t *testing.T) {
	tr := newTestTree(t, 1)

	f, err := tr.Mkf(ktree.RootID, "gone.txt")
	require.NoError(t, err)
	require.NoError(t, tr.Remove(f))

	_, ok := tr.Lookup(ktree.RootID, "gone.txt")
	require.False(t, ok)
	parent, _, ok := tr.ParentOf(f)
	require.True(t, ok)
	require.Equal(t, ktree.TrashID, parent)
}

func TestRenameIntoOwnSubtreeIsRejected(t *testing.T) {
	tr := newTestTree(t, 1)

	a, err := tr.Mkdir(ktree.RootID, "a")
	require.NoError(t, err)
	b, err := tr.Mkdir(a, "b")
	require.NoError(t, err)
	c, err := tr.Mkdir(b, "c")
	require.NoError(t, err)

	// Moving a under its own grandchild c must be rejected: a would
	// become its own ancestor three levels down.
	require.NoError(t, tr.Rename(a, c, "a"))

	parent, name, ok := tr.ParentOf(a)
	require.True(t, ok)
	require.Equal(t, ktree.RootID, parent)
	require.Equal(t, "a", name)

	// Unaffected siblings still resolve correctly.
	_, ok = tr.Lookup(a, "b")
	require.True(t, ok)
	_, ok = tr.Lookup(b, "c")
	require.True(t, ok)
	require.Equal(t, c, c)
}

func TestConcurrentCreateSameNameDisambiguates(t *testing.T) {
	r1 := newTestTree(t, 1)
	r2 := newTestTree(t, 2)

	f1, err := r1.Mkf(ktree.RootID, "note.txt")
	require.NoError(t, err)
	f2, err := r2.Mkf(ktree.RootID, "note.txt")
	require.NoError(t, err)

	// Exchange graphs and merge, simulating a sync round.
	for hash, n := range r2.Nodes() {
		r1.PutNode(r2.Nodes()[hash])
		_ = n
	}
	require.NoError(t, r1.AddRoot(r2.RootHash()))

	entries := r1.List(ktree.RootID)
	require.Len(t, entries, 2)

	var sawOriginal, sawRenamed bool
	for name, id := range entries {
		switch id {
		case f1, f2:
			if name == "note.txt" {
				sawOriginal = true
			} else {
				sawRenamed = true
			}
		}
	}
	require.True(t, sawOriginal, "one of the two files should keep the original name")
	require.True(t, sawRenamed, "the other should be disambiguated")
}

func TestFsyncFloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ktree.json")
	tr, err := ktree.New(path, 1, zap.NewNop().Sugar())
	require.NoError(t, err)

	dir, err := tr.Mkdir(ktree.RootID, "a")
	require.NoError(t, err)
	file, err := tr.Mkf(dir, "f.txt")
	require.NoError(t, err)
	require.NoError(t, tr.Fsync())

	reloaded, err := ktree.New(path, 1, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, reloaded.Fload())

	got, ok := reloaded.Lookup(dir, "f.txt")
	require.True(t, ok)
	require.Equal(t, file, got)
}
