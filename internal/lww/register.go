// Package lww implements the last-writer-wins register CRDT (spec.md
// §4.2) that backs a single file's content: one instance per inode.
package lww

import (
	"encoding/base64"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/merklefs/merklefs/internal/dagstore"
)

// won is the (height, replica) tuple a register's current value is
// attributed to; comparisons are lexicographic, height first.
type won struct {
	height  uint64
	replica int64
}

func (a won) less(b won) bool {
	if a.height != b.height {
		return a.height < b.height
	}
	return a.replica < b.replica
}

// Register is a last-writer-wins byte register, specializing
// dagstore.CRDT. Writes are staged in memory and coalesced into a
// single DAG node at the next CutRoot call (sync or fsync boundary),
// per spec.md §4.2's deferred-materialization rationale.
type Register struct {
	crdt *dagstore.CRDT
	log  *zap.SugaredLogger

	mu    sync.Mutex
	value []byte
	won   won
	dirty bool
}

// New constructs an empty LWW register persisted to path.
func New(path string, replica int64, log *zap.SugaredLogger) (*Register, error) {
	r := &Register{log: log}
	crdt, err := dagstore.New(path, replica, func(dagstore.EmitFunc) dagstore.Applier {
		return r
	}, log)
	if err != nil {
		return nil, errors.Wrap(err, "lww: constructing CRDT")
	}
	r.crdt = crdt
	return r, nil
}

// ApplyOperations folds a batch of [height, replica, base64(value)]
// triples into the register, keeping only the one with the largest
// (height, replica) tuple — spec.md §4.2's conflict resolution.
func (r *Register) ApplyOperations(ops [][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range ops {
		r.applyOneLocked(op)
	}
}

func (r *Register) applyOneLocked(op []string) {
	if len(op) == 0 {
		return
	}
	height, err := strconv.ParseUint(op[0], 10, 64)
	if err != nil {
		r.log.Warnw("lww: malformed height in operation, skipping", "op", op, "err", err)
		return
	}
	replica, err := strconv.ParseInt(op[1], 10, 64)
	if err != nil {
		r.log.Warnw("lww: malformed replica in operation, skipping", "op", op, "err", err)
		return
	}
	candidate := won{height: height, replica: replica}
	if !r.won.less(candidate) {
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(op[2])
	if err != nil {
		r.log.Warnw("lww: malformed base64 payload, skipping", "op", op, "err", err)
		return
	}
	r.value = decoded
	r.won = candidate
}

// Write stages a new value in memory and marks the register dirty.
// The write is not reflected in the DAG until CutRoot is called.
func (r *Register) Write(value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = append([]byte(nil), value...)
	r.dirty = true
}

// Read returns the currently applied (or staged, if dirty) value.
func (r *Register) Read() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.value...)
}

// CutRoot materializes a pending write into a DAG node and advances
// the root, per spec.md §4.2. A no-op if nothing is dirty.
func (r *Register) CutRoot() error {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	value := append([]byte(nil), r.value...)
	r.mu.Unlock()

	replica := r.crdt.Replica()
	encoded := base64.StdEncoding.EncodeToString(value)

	err := r.crdt.Commit(func(height uint64) []string {
		return []string{strconv.FormatUint(height, 10), strconv.FormatInt(replica, 10), encoded}
	})
	if err != nil {
		return errors.Wrap(err, "lww: cutting root")
	}

	r.mu.Lock()
	r.dirty = false
	r.mu.Unlock()
	return nil
}

// Fsync persists the underlying DAG to disk.
func (r *Register) Fsync() error { return r.crdt.Fsync() }

// Fload reloads the underlying DAG from disk, rebuilding the applied
// value from the replayed operation history.
func (r *Register) Fload() error { return r.crdt.Fload() }

// RootHash exposes the underlying CRDT's current root hash.
func (r *Register) RootHash() string { return r.crdt.RootHash() }

// Nodes exposes the underlying CRDT's node map (racy snapshot, see
// dagstore.CRDT.Nodes).
func (r *Register) Nodes() map[string]dagstore.Node { return r.crdt.Nodes() }

// AddRoot merges an externally supplied root into this register's DAG.
func (r *Register) AddRoot(root string) error { return r.crdt.AddRoot(root) }

// PutNode inserts a raw node into the underlying DAG (sync server use).
func (r *Register) PutNode(n dagstore.Node) { r.crdt.PutNode(n) }

// GetNode returns a node by hash from the underlying DAG.
func (r *Register) GetNode(hash string) (dagstore.Node, bool) { return r.crdt.GetNode(hash) }

// HasApplied reports whether a node has already been folded into this
// register's value.
func (r *Register) HasApplied(hash string) bool { return r.crdt.HasApplied(hash) }
