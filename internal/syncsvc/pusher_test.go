package syncsvc_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/merklefs/merklefs/internal/inode"
	"github.com/merklefs/merklefs/internal/ktree"
	"github.com/merklefs/merklefs/internal/syncsvc"
)

type replica struct {
	tree   *ktree.Tree
	store  *inode.Store
	server *syncsvc.Server
	http   *httptest.Server
}

func newReplica(t *testing.T, id int64) *replica {
	t.Helper()
	log := zap.NewNop().Sugar()
	tree, err := ktree.New(filepath.Join(t.TempDir(), "ftree.json"), id, log)
	require.NoError(t, err)
	store := inode.New(t.TempDir(), id, log)
	resolver := syncsvc.NewResolver(tree, store)
	metrics := syncsvc.NewMetrics(prometheus.NewRegistry())
	server := syncsvc.NewServer(resolver, store, id, metrics, log)
	httpSrv := httptest.NewServer(server)
	t.Cleanup(httpSrv.Close)
	return &replica{tree: tree, store: store, server: server, http: httpSrv}
}

func (r *replica) addr() string {
	return strings.TrimPrefix(r.http.URL, "http://")
}

func TestPushOncePropagatesNamespaceChangeToPeer(t *testing.T) {
	r1 := newReplica(t, 1)
	r2 := newReplica(t, 2)

	_, err := r1.tree.Mkdir(ktree.RootID, "shared")
	require.NoError(t, err)

	resolver := syncsvc.NewResolver(r1.tree, r1.store)
	metrics := syncsvc.NewMetrics(prometheus.NewRegistry())
	pusher := syncsvc.NewPusher(r2.addr(), resolver, r1.store, metrics, zap.NewNop().Sugar())

	require.NoError(t, pusher.PushOnce(context.Background()))

	_, ok := r2.tree.Lookup(ktree.RootID, "shared")
	require.True(t, ok)
}

func TestPushOnceUnreachablePeerFails(t *testing.T) {
	r1 := newReplica(t, 1)
	resolver := syncsvc.NewResolver(r1.tree, r1.store)
	metrics := syncsvc.NewMetrics(prometheus.NewRegistry())
	pusher := syncsvc.NewPusher("127.0.0.1:1", resolver, r1.store, metrics, zap.NewNop().Sugar())

	err := pusher.PushOnce(context.Background())
	require.Error(t, err)
}

func TestPushOnceCatchesUpDeepChain(t *testing.T) {
	// A peer more than one prefetch horizon behind must still converge
	// in a single push: the frontier walk has to keep descending past
	// whatever it eagerly prefetched, not stop there.
	r1 := newReplica(t, 1)
	r2 := newReplica(t, 2)

	parent := ktree.RootID
	names := []string{"n1", "n2", "n3", "n4", "n5", "n6", "n7"}
	for _, name := range names {
		id, err := r1.tree.Mkdir(parent, name)
		require.NoError(t, err)
		parent = id
	}

	resolver := syncsvc.NewResolver(r1.tree, r1.store)
	metrics := syncsvc.NewMetrics(prometheus.NewRegistry())
	pusher := syncsvc.NewPusher(r2.addr(), resolver, r1.store, metrics, zap.NewNop().Sugar())

	require.NoError(t, pusher.PushOnce(context.Background()))

	parent = ktree.RootID
	for _, name := range names {
		id, ok := r2.tree.Lookup(parent, name)
		require.Truef(t, ok, "missing %q under parent %v after push", name, parent)
		parent = id
	}
}

func TestPushOnceTwiceConverges(t *testing.T) {
	// Two freshly constructed replicas have distinct root-seed nodes
	// (the seed move embeds the replica id), so even an idle first push
	// produces a merge root on the peer. A second push cycle, with no
	// further local changes, must still succeed and not re-diverge.
	r1 := newReplica(t, 1)
	r2 := newReplica(t, 2)

	resolver := syncsvc.NewResolver(r1.tree, r1.store)
	metrics := syncsvc.NewMetrics(prometheus.NewRegistry())
	pusher := syncsvc.NewPusher(r2.addr(), resolver, r1.store, metrics, zap.NewNop().Sugar())

	require.NoError(t, pusher.PushOnce(context.Background()))
	mergedRoot := r2.tree.RootHash()

	require.NoError(t, pusher.PushOnce(context.Background()))
	require.Equal(t, mergedRoot, r2.tree.RootHash())
}
