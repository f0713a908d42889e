package dagstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EmitFunc lets an Applier create a new locally-originated operation
// from within its own ApplyOperations call — the mechanism the K-Tree
// uses for its automatic conflict-resolution renames, which must
// themselves become ordinary DAG nodes with an advanced root (spec.md
// §4.3: "these renames themselves are regular K-Tree operations: new
// DAG nodes, new root").
//
// build receives the height the new node would have (current root's
// height + 1) so the caller can embed it in the operation's value
// fields before the node is hashed. EmitFunc assumes the CRDT's lock
// is already held, which holds for every call originating from
// ApplyOperations.
type EmitFunc func(build func(height uint64) []string) error

// Applier is the specialization hook every concrete CRDT (LWW register,
// K-Tree) implements: a pure state transition over a batch of already
// causally-ordered operation values.
type Applier interface {
	ApplyOperations(ops [][]string)
}

// Graph is the on-disk shape of a CRDT: a single root hash plus every
// node reachable from it, keyed by hash. This is exactly the JSON schema
// persisted to ftree.json / inode register files.
type Graph struct {
	Root  string          `json:"root"`
	Nodes map[string]Node `json:"nodes"`
}

// CRDT is the generic causal-DAG engine described in spec.md §4.1. It
// owns the on-disk Graph, tracks which operations have already been
// applied to derived state, and serializes all mutation through a single
// per-instance lock.
type CRDT struct {
	mu      sync.Mutex
	path    string
	replica int64
	applier Applier
	log     *zap.SugaredLogger

	graph   Graph
	applied map[string]struct{}
}

// New constructs an empty CRDT rooted at a synthetic genesis node and
// persisted to path. newApplier receives an EmitFunc bound to this CRDT
// and must return the Applier that will receive every operation (local
// or remote) once it is safe to apply in causal order; specializations
// typically capture the EmitFunc to implement their own public mutators.
func New(path string, replica int64, newApplier func(EmitFunc) Applier, log *zap.SugaredLogger) (*CRDT, error) {
	c := &CRDT{
		path:    path,
		replica: replica,
		log:     log,
		graph:   Graph{Nodes: map[string]Node{}},
		applied: map[string]struct{}{},
	}
	c.applier = newApplier(c.emitLocked)

	genesis, err := c.newNodeLocked(nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dagstore: creating genesis node")
	}
	c.graph.Nodes[genesis.Hash] = genesis
	c.graph.Root = genesis.Hash
	c.applied[genesis.Hash] = struct{}{}

	return c, nil
}

// Replica returns the replica ID this CRDT instance was constructed with.
func (c *CRDT) Replica() int64 { return c.replica }

func (c *CRDT) newNodeLocked(value []string, children []string) (Node, error) {
	hash, err := hashNode(value, children)
	if err != nil {
		return Node{}, err
	}
	sorted := append([]string(nil), children...)
	sort.Strings(sorted)
	return Node{
		Hash:     hash,
		Replica:  c.replica,
		Height:   maxHeight(children, c.graph.Nodes) + 1,
		Value:    value,
		Children: sorted,
	}, nil
}

// PutNode inserts a node into the graph without mutating the root or
// applying it to derived state. Idempotent by content hash; this is
// what the sync server's bulk_add endpoint uses, per spec.md §4.5.
func (c *CRDT) PutNode(n Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.graph.Nodes[n.Hash] = n
}

// GetNode returns a node by hash and whether it is present.
func (c *CRDT) GetNode(hash string) (Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.graph.Nodes[hash]
	return n, ok
}

// HasApplied reports whether a node has already been folded into
// derived state, locked.
func (c *CRDT) HasApplied(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.applied[hash]
	return ok
}

// Nodes returns the live node map. Per spec.md §4.1's concurrency
// contract, this is a non-locking read: the sync server may observe a
// mid-update graph and must treat it as possibly racing new writes.
func (c *CRDT) Nodes() map[string]Node {
	return c.graph.Nodes
}

// RootHash returns the current root hash without holding the lock; same
// racy-snapshot contract as Nodes.
func (c *CRDT) RootHash() string {
	return c.graph.Root
}

// Commit builds, applies, and persists-in-memory one locally-originated
// operation: build is invoked with the height the new node will have,
// the resulting value is folded into derived state via the Applier,
// and a new node with that value (child: the current root) becomes the
// new root. This is the Go equivalent of the reference implementation's
// combined apply_operation-then-new_node sequence.
func (c *CRDT) Commit(build func(height uint64) []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emitLocked(build)
}

func (c *CRDT) emitLocked(build func(height uint64) []string) error {
	root, ok := c.graph.Nodes[c.graph.Root]
	if !ok {
		return errors.Errorf("dagstore: root %q missing from graph", c.graph.Root)
	}
	value := build(root.Height + 1)

	c.applier.ApplyOperations([][]string{value})

	n, err := c.newNodeLocked(value, []string{c.graph.Root})
	if err != nil {
		return errors.Wrap(err, "dagstore: hashing new node")
	}
	c.graph.Nodes[n.Hash] = n
	c.graph.Root = n.Hash
	c.applied[n.Hash] = struct{}{}
	return nil
}

// topo appends node and its unapplied ancestors to out, children before
// parents, skipping anything already marked applied.
func (c *CRDT) topo(hash string, out *[]Node, visiting map[string]struct{}) {
	if _, done := c.applied[hash]; done {
		return
	}
	if _, seen := visiting[hash]; seen {
		return
	}
	visiting[hash] = struct{}{}

	n, ok := c.graph.Nodes[hash]
	if !ok {
		return
	}
	for _, child := range n.Children {
		c.topo(child, out, visiting)
	}
	c.applied[hash] = struct{}{}
	*out = append(*out, n)
}

// applyFrom walks the DAG rooted at hash in topological order, sorts
// each layer by (height, replica) for cross-replica determinism, and
// feeds the resulting operation values through the Applier in one batch.
func (c *CRDT) applyFrom(hash string) {
	var ordered []Node
	c.topo(hash, &ordered, map[string]struct{}{})

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Height != ordered[j].Height {
			return ordered[i].Height < ordered[j].Height
		}
		return ordered[i].Replica < ordered[j].Replica
	})

	values := make([][]string, 0, len(ordered))
	for _, n := range ordered {
		if len(n.Value) == 0 {
			continue // genesis / merge nodes carry no operation
		}
		values = append(values, n.Value)
	}
	if len(values) > 0 {
		c.applier.ApplyOperations(values)
	}
}

// AddRoot merges an externally supplied root into the local DAG per
// spec.md §4.1's three-way semantics: no-op if already applied, adopt
// verbatim if the peer dominates us, otherwise apply the unseen
// candidate-reachable operations and create a new merge node with both
// roots as children.
//
// Precondition (caller's responsibility, enforced defensively): every
// node reachable from candidateRoot must already be present in the
// graph (normally via prior bulk_add calls). A reference to a missing
// node anywhere in the candidate's unapplied history is a protocol
// violation (spec.md §7): it is logged and the whole merge is skipped.
func (c *CRDT) AddRoot(candidateRoot string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.applied[candidateRoot]; ok {
		return nil
	}
	if _, ok := c.graph.Nodes[candidateRoot]; !ok {
		c.log.Warnw("dagstore: add_root referenced unknown node, skipping",
			"hash", candidateRoot)
		return nil
	}
	for pending, seen := []string{candidateRoot}, map[string]struct{}{}; len(pending) > 0; {
		h := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		_, done := c.applied[h]
		_, dup := seen[h]
		if done || dup {
			continue
		}
		n, ok := c.graph.Nodes[h]
		if !ok {
			c.log.Warnw("dagstore: add_root history references unknown node, skipping", "root", candidateRoot, "hash", h)
			return nil
		}
		seen[h] = struct{}{}
		pending = append(pending, n.Children...)
	}

	// dominates reflects the pre-merge root: does the candidate's causal
	// history already reach it, i.e. does the candidate strictly extend
	// us. Checked before replay because replay is what might move our
	// root out from under us next.
	dominates := c.reaches(candidateRoot, c.graph.Root, map[string]struct{}{})

	c.applyFrom(candidateRoot)

	if dominates {
		c.graph.Root = candidateRoot
		return nil
	}

	// c.graph.Root is re-read here, after replay: an Applier's
	// ApplyOperations may itself have advanced it (a K-Tree resolving a
	// name conflict emits its own new node mid-replay), and the merge
	// must parent onto whatever the root actually is now, not a
	// snapshot taken before replay ran.
	merge, err := c.newNodeLocked(nil, []string{candidateRoot, c.graph.Root})
	if err != nil {
		return errors.Wrap(err, "dagstore: hashing merge node")
	}
	c.graph.Nodes[merge.Hash] = merge
	c.graph.Root = merge.Hash
	c.applied[merge.Hash] = struct{}{}
	return nil
}

// reaches reports whether target is reachable from hash by following
// Children links. Used to detect whether the peer's candidate root
// transitively dominates our current root.
func (c *CRDT) reaches(hash, target string, visited map[string]struct{}) bool {
	if hash == target {
		return true
	}
	if _, ok := visited[hash]; ok {
		return false
	}
	visited[hash] = struct{}{}

	n, ok := c.graph.Nodes[hash]
	if !ok {
		return false
	}
	for _, child := range n.Children {
		if c.reaches(child, target, visited) {
			return true
		}
	}
	return false
}

// Fsync serializes the entire DAG to disk atomically from the caller's
// point of view: write to a temp file in the same directory, sync it,
// then rename over the target.
func (c *CRDT) Fsync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsyncLocked()
}

func (c *CRDT) fsyncLocked() error {
	data, err := json.Marshal(c.graph)
	if err != nil {
		return errors.Wrap(err, "dagstore: marshaling graph")
	}

	dir := filepath.Dir(c.path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "dagstore: creating directory")
	}

	tmp, err := os.CreateTemp(dir, ".dagstore-*.tmp")
	if err != nil {
		return errors.Wrap(err, "dagstore: creating temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "dagstore: writing temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "dagstore: fsyncing temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "dagstore: closing temp file")
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return errors.Wrap(err, "dagstore: renaming into place")
	}

	c.log.Debugw("dagstore: fsynced", "path", c.path, "root", c.graph.Root, "nodes", len(c.graph.Nodes))
	return nil
}

// Fload deserializes the DAG from disk and replays whatever portion of
// its topological order this instance has not already folded into
// derived state. applied is deliberately not reset here: a freshly
// constructed specialization (ktree.New's root-seeding move, for
// instance) may already have locally applied an operation that is
// content-identical — and therefore hash-identical — to one recorded in
// the file being loaded, in which case it must not be replayed twice.
// This only holds when loading a replica's own prior state at the same
// path, which is Fload's only supported use (spec.md §7); it is not a
// mechanism for ingesting an arbitrary peer's graph.
func (c *CRDT) Fload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "dagstore: reading graph file")
	}

	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return errors.Wrap(err, "dagstore: unmarshaling graph")
	}

	c.graph = g
	c.applyFrom(g.Root)

	c.log.Debugw("dagstore: loaded", "path", c.path, "root", g.Root, "nodes", len(g.Nodes))
	return nil
}
