// Package syncsvc implements the sync engine (spec.md §4.5): the
// HTTP server peers push changes to, and the per-peer push loop that
// pulls-then-pushes a widening frontier of DAG nodes until two
// replicas converge.
package syncsvc

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/merklefs/merklefs/internal/dagstore"
	"github.com/merklefs/merklefs/internal/inode"
	"github.com/merklefs/merklefs/internal/ktree"
)

// rootName is the reserved changelist/wire name for the K-Tree, as
// opposed to a base-10 inode number naming a file register.
const rootName = "root"

// CRDTHandle is the uniform interface the sync engine drives every
// CRDT kind through, resolved from a wire name at the HTTP boundary:
// "root" dispatches to the K-Tree, any other string parses as an
// inode number and dispatches to that file's LWW register.
type CRDTHandle interface {
	Nodes() map[string]dagstore.Node
	RootHash() string
	GetNode(hash string) (dagstore.Node, bool)
	PutNode(n dagstore.Node)
	AddRoot(hash string) error
	HasApplied(hash string) bool
	Fsync() error
}

// Resolver maps a wire-level CRDT name to the concrete handle backing
// it.
type Resolver struct {
	tree  *ktree.Tree
	store *inode.Store
}

// NewResolver constructs a Resolver over the process's single K-Tree
// and Inode Store.
func NewResolver(tree *ktree.Tree, store *inode.Store) *Resolver {
	return &Resolver{tree: tree, store: store}
}

// Resolve dispatches name to its backing CRDT, opening the underlying
// register lazily if name names a file inode.
func (r *Resolver) Resolve(name string) (CRDTHandle, error) {
	if name == rootName {
		return r.tree, nil
	}
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "syncsvc: %q is neither %q nor a base-10 inode", name, rootName)
	}
	reg, err := r.store.Open(ktree.ID(id))
	if err != nil {
		return nil, err
	}
	return reg, nil
}
