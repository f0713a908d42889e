// Package ktree implements the hierarchical move/rename CRDT described
// in spec.md §4.3: every inode's current location is the result of
// replaying its most recent move in causal (height, replica) order,
// with an undo/redo log that lets a batch of newly-arrived operations
// be folded into existing state without replaying history from genesis.
package ktree

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"

	"github.com/merklefs/merklefs/internal/dagstore"
)

// ID is an inode number. The high bit tags the inode's kind so IDs
// minted independently by different replicas never collide: 0 for
// directories, 1 for regular files.
type ID = uint64

// Well-known inodes, mirroring the filesystem adapter's reserved IDs.
const (
	RootID  ID = 1
	TrashID ID = 3
)

// timeKey orders operations by (height, replica), the tiebreak used
// throughout merklefs for cross-replica determinism.
type timeKey struct {
	height  uint64
	replica int64
}

func (a timeKey) less(b timeKey) bool {
	if a.height != b.height {
		return a.height < b.height
	}
	return a.replica < b.replica
}

// parentName is where in the tree a child currently, or previously,
// sits.
type parentName struct {
	Parent ID
	Name   string
}

// childKey identifies one entry within a parent's child set.
type childKey struct {
	Name  string
	Child ID
}

// logEntry is one applied move, carrying enough state to undo it: the
// child's previous (parent, name), or nil if the child had none.
type logEntry struct {
	Time      timeKey
	OldParent *parentName
	Parent    ID
	Name      string
	Child     ID
}

// move is one (time, parent, name, child) tuple parsed off the wire.
type move struct {
	Time   timeKey
	Parent ID
	Name   string
	Child  ID
}

// Tree is a K-Tree: a single root-backed dagstore.CRDT specialized to
// hold directory structure. All mutation of the maps below happens
// inside ApplyOperations, which the owning CRDT only ever invokes while
// its own lock is held (from Commit, or from replay during AddRoot and
// Fload) — so Tree needs no lock of its own for writes. Lookup, List
// and ParentOf are racy snapshot reads, the same contract
// dagstore.CRDT.Nodes and RootHash already make.
type Tree struct {
	crdt *dagstore.CRDT
	emit dagstore.EmitFunc
	log  *zap.SugaredLogger

	ktree     map[ID]parentName
	child     map[ID]map[childKey]struct{}
	oplog     []logEntry
	childlogs map[ID][]int

	onConflictRename func()
}

// OnConflictRename registers fn to be called once per automatic
// disambiguating rename resolveConflicts performs. Nil by default; the
// sync engine uses this to count conflict-renames for observability.
func (t *Tree) OnConflictRename(fn func()) {
	t.onConflictRename = fn
}

// New constructs a K-Tree rooted at RootID, persisted to path.
func New(path string, replica int64, log *zap.SugaredLogger) (*Tree, error) {
	t := &Tree{
		log:       log,
		ktree:     map[ID]parentName{},
		child:     map[ID]map[childKey]struct{}{},
		childlogs: map[ID][]int{},
	}
	crdt, err := dagstore.New(path, replica, func(emit dagstore.EmitFunc) dagstore.Applier {
		t.emit = emit
		return t
	}, log)
	if err != nil {
		return nil, errors.Wrap(err, "ktree: constructing CRDT")
	}
	t.crdt = crdt

	if err := t.moveLocal(0, "root", RootID); err != nil {
		return nil, errors.Wrap(err, "ktree: seeding root")
	}
	return t, nil
}

// moveLocal emits a locally-originated move, acquiring the CRDT's lock.
// Every public mutator goes through this.
func (t *Tree) moveLocal(parent ID, name string, child ID) error {
	replica := t.crdt.Replica()
	return t.crdt.Commit(func(height uint64) []string {
		return []string{
			strconv.FormatUint(height, 10),
			strconv.FormatInt(replica, 10),
			strconv.FormatUint(uint64(parent), 10),
			name,
			strconv.FormatUint(uint64(child), 10),
		}
	})
}

// moveNested emits a move from within an already-running
// ApplyOperations call — used for the automatic renames conflict
// resolution below performs. It must not reacquire the CRDT's lock,
// which is why it goes through the retained EmitFunc rather than
// moveLocal.
func (t *Tree) moveNested(parent ID, name string, child ID) {
	replica := t.crdt.Replica()
	err := t.emit(func(height uint64) []string {
		return []string{
			strconv.FormatUint(height, 10),
			strconv.FormatInt(replica, 10),
			strconv.FormatUint(uint64(parent), 10),
			name,
			strconv.FormatUint(uint64(child), 10),
		}
	})
	if err != nil {
		t.log.Warnw("ktree: failed to emit conflict-resolution rename", "parent", parent, "name", name, "child", child, "err", err)
	}
}

func parseMove(op []string) (move, error) {
	if len(op) != 5 {
		return move{}, errors.Errorf("malformed operation %v", op)
	}
	height, err := strconv.ParseUint(op[0], 10, 64)
	if err != nil {
		return move{}, errors.Wrap(err, "parsing height")
	}
	replica, err := strconv.ParseInt(op[1], 10, 64)
	if err != nil {
		return move{}, errors.Wrap(err, "parsing replica")
	}
	parent, err := strconv.ParseUint(op[2], 10, 64)
	if err != nil {
		return move{}, errors.Wrap(err, "parsing parent")
	}
	child, err := strconv.ParseUint(op[4], 10, 64)
	if err != nil {
		return move{}, errors.Wrap(err, "parsing child")
	}
	return move{
		Time:   timeKey{height: height, replica: replica},
		Parent: ID(parent),
		Name:   op[3],
		Child:  ID(child),
	}, nil
}

// ApplyOperations folds a causally-ordered batch of move operations
// into the tree: it undoes every already-applied move newer than the
// oldest operation in the incoming batch, merges the two sets, replays
// them in time order, then resolves any name collisions introduced
// among the parents touched.
func (t *Tree) ApplyOperations(ops [][]string) {
	if len(ops) == 0 {
		return
	}

	parsed := make([]move, 0, len(ops))
	for _, op := range ops {
		if len(op) == 0 {
			continue
		}
		m, err := parseMove(op)
		if err != nil {
			t.log.Warnw("ktree: skipping malformed operation", "op", op, "err", err)
			continue
		}
		parsed = append(parsed, m)
	}
	if len(parsed) == 0 {
		return
	}

	// processed starts as the incoming batch in reverse (its last
	// element is therefore the batch's earliest operation), then grows
	// with every locally-applied move undone below.
	processed := make([]move, len(parsed))
	for i, m := range parsed {
		processed[len(parsed)-1-i] = m
	}
	threshold := processed[len(processed)-1].Time

	visitedParents := map[ID]struct{}{}

	for len(t.oplog) != 0 && threshold.less(t.oplog[len(t.oplog)-1].Time) {
		item := t.oplog[len(t.oplog)-1]
		t.oplog = t.oplog[:len(t.oplog)-1]

		if logs := t.childlogs[item.Child]; len(logs) > 0 && logs[len(logs)-1] == len(t.oplog) {
			t.childlogs[item.Child] = logs[:len(logs)-1]
		}
		if set, ok := t.child[item.Parent]; ok {
			delete(set, childKey{Name: item.Name, Child: item.Child})
		}
		if item.OldParent != nil {
			t.ktree[item.Child] = *item.OldParent
			if t.child[item.OldParent.Parent] == nil {
				t.child[item.OldParent.Parent] = map[childKey]struct{}{}
			}
			t.child[item.OldParent.Parent][childKey{Name: item.OldParent.Name, Child: item.Child}] = struct{}{}
			visitedParents[item.OldParent.Parent] = struct{}{}
		} else {
			delete(t.ktree, item.Child)
		}

		processed = append(processed, move{Time: item.Time, Parent: item.Parent, Name: item.Name, Child: item.Child})
	}

	sort.SliceStable(processed, func(i, j int) bool { return processed[i].Time.less(processed[j].Time) })

	for i, m := range processed {
		if i != 0 && m == processed[i-1] {
			continue
		}

		oldp, hadOld := t.ktree[m.Child]
		var oldPtr *parentName
		if hadOld {
			snap := oldp
			oldPtr = &snap
		}
		t.oplog = append(t.oplog, logEntry{Time: m.Time, OldParent: oldPtr, Parent: m.Parent, Name: m.Name, Child: m.Child})

		if t.child[m.Child] == nil {
			t.child[m.Child] = map[childKey]struct{}{}
		}

		if t.ancestor(m.Child, m.Parent) {
			continue
		}

		t.childlogs[m.Child] = append(t.childlogs[m.Child], len(t.oplog)-1)
		t.ktree[m.Child] = parentName{Parent: m.Parent, Name: m.Name}

		if hadOld {
			if set, ok := t.child[oldp.Parent]; ok {
				delete(set, childKey{Name: oldp.Name, Child: m.Child})
			}
		}
		if t.child[m.Parent] == nil {
			t.child[m.Parent] = map[childKey]struct{}{}
		}
		t.child[m.Parent][childKey{Name: m.Name, Child: m.Child}] = struct{}{}
		visitedParents[m.Parent] = struct{}{}
	}

	t.resolveConflicts(visitedParents)
}

// ancestor reports whether parent is child or a transitive ancestor of
// it, walking the full chain rather than just direct children — this
// is what rejects a move that would place a directory inside its own
// subtree at any depth, not only immediately under itself.
func (t *Tree) ancestor(parent, child ID) bool {
	if parent == child {
		return true
	}
	set, ok := t.child[parent]
	if !ok {
		return false
	}
	for key := range set {
		if t.ancestor(key.Child, child) {
			return true
		}
	}
	return false
}

// resolveConflicts renames every child but the earliest-moved one in
// each name collision introduced by the moves just applied. The
// disambiguated name is checked against the parent's actual, current
// sibling names, not the colliding name's own text, so it always
// lands on something free.
func (t *Tree) resolveConflicts(visited map[ID]struct{}) {
	type pending struct {
		Parent ID
		Name   string
		Child  ID
	}
	var pendingMoves []pending

	for parent := range visited {
		if parent == TrashID {
			continue
		}

		metas := map[string][]ID{}
		siblingNames := map[string]struct{}{}
		for key := range t.child[parent] {
			metas[key.Name] = append(metas[key.Name], key.Child)
			siblingNames[key.Name] = struct{}{}
		}

		for name, ids := range metas {
			if len(ids) < 2 {
				continue
			}
			sort.SliceStable(ids, func(i, j int) bool {
				ti := t.oplog[t.childlogs[ids[i]][len(t.childlogs[ids[i]])-1]].Time
				tj := t.oplog[t.childlogs[ids[j]][len(t.childlogs[ids[j]])-1]].Time
				return ti.less(tj)
			})
			for _, child := range ids[1:] {
				lastOp := t.oplog[t.childlogs[child][len(t.childlogs[child])-1]]

				i := 0
				candidate := fmt.Sprintf("%s_%d_%d", name, lastOp.Time.replica, i)
				for {
					if _, taken := siblingNames[candidate]; !taken {
						break
					}
					i++
					candidate = fmt.Sprintf("%s_%d_%d", name, lastOp.Time.replica, i)
				}
				siblingNames[candidate] = struct{}{}
				pendingMoves = append(pendingMoves, pending{Parent: lastOp.Parent, Name: candidate, Child: child})
			}
		}
	}

	for _, m := range pendingMoves {
		t.moveNested(m.Parent, m.Name, m.Child)
		if t.onConflictRename != nil {
			t.onConflictRename()
		}
	}
}

// newInodeID mints a random inode number, tagging its top bit with the
// entry's kind so concurrently-minted IDs from different replicas
// never collide on kind.
func newInodeID(isFile bool) (ID, error) {
	u, err := uuid.NewV1()
	if err != nil {
		return 0, err
	}
	b := u.Bytes()
	high := binary.BigEndian.Uint64(b[:8])
	high &^= uint64(1) << 63
	if isFile {
		high |= uint64(1) << 63
	}
	return ID(high), nil
}

func randomTrashTag() (string, error) {
	u, err := uuid.NewV1()
	if err != nil {
		return "", err
	}
	b := u.Bytes()
	return strconv.FormatUint(binary.BigEndian.Uint64(b[:8]), 10), nil
}

// Mkdir creates a new directory named name under parent and returns its
// inode.
func (t *Tree) Mkdir(parent ID, name string) (ID, error) {
	id, err := newInodeID(false)
	if err != nil {
		return 0, errors.Wrap(err, "ktree: generating directory inode")
	}
	if err := t.moveLocal(parent, name, id); err != nil {
		return 0, err
	}
	return id, nil
}

// Mkf creates a new regular file named name under parent and returns
// its inode.
func (t *Tree) Mkf(parent ID, name string) (ID, error) {
	id, err := newInodeID(true)
	if err != nil {
		return 0, errors.Wrap(err, "ktree: generating file inode")
	}
	if err := t.moveLocal(parent, name, id); err != nil {
		return 0, err
	}
	return id, nil
}

// Rename moves id to newName under newParent.
func (t *Tree) Rename(id, newParent ID, newName string) error {
	return t.moveLocal(newParent, newName, id)
}

// Remove moves id into the trash under a random, collision-free name.
func (t *Tree) Remove(id ID) error {
	tag, err := randomTrashTag()
	if err != nil {
		return errors.Wrap(err, "ktree: generating trash tag")
	}
	return t.moveLocal(TrashID, tag, id)
}

// Lookup returns the inode named name directly under parent, if any.
func (t *Tree) Lookup(parent ID, name string) (ID, bool) {
	for key := range t.child[parent] {
		if key.Name == name {
			return key.Child, true
		}
	}
	return 0, false
}

// List returns every name/inode pair directly under parent.
func (t *Tree) List(parent ID) map[string]ID {
	out := make(map[string]ID, len(t.child[parent]))
	for key := range t.child[parent] {
		out[key.Name] = key.Child
	}
	return out
}

// ParentOf returns the (parent, name) an inode currently sits at.
func (t *Tree) ParentOf(id ID) (ID, string, bool) {
	pn, ok := t.ktree[id]
	if !ok {
		return 0, "", false
	}
	return pn.Parent, pn.Name, true
}

// Fsync persists the underlying DAG to disk.
func (t *Tree) Fsync() error { return t.crdt.Fsync() }

// Fload reloads the underlying DAG from disk, rebuilding tree state
// from the replayed operation history.
func (t *Tree) Fload() error { return t.crdt.Fload() }

// RootHash exposes the underlying CRDT's current root hash.
func (t *Tree) RootHash() string { return t.crdt.RootHash() }

// Nodes exposes the underlying CRDT's node map (racy snapshot, see
// dagstore.CRDT.Nodes).
func (t *Tree) Nodes() map[string]dagstore.Node { return t.crdt.Nodes() }

// AddRoot merges an externally supplied root into this tree's DAG.
func (t *Tree) AddRoot(root string) error { return t.crdt.AddRoot(root) }

// PutNode inserts a raw node into the underlying DAG (sync server use).
func (t *Tree) PutNode(n dagstore.Node) { t.crdt.PutNode(n) }

// GetNode returns a node by hash from the underlying DAG.
func (t *Tree) GetNode(hash string) (dagstore.Node, bool) { return t.crdt.GetNode(hash) }

// HasApplied reports whether a node has already been folded into this
// tree's state.
func (t *Tree) HasApplied(hash string) bool { return t.crdt.HasApplied(hash) }
