// Package inode implements the Inode Store (spec.md §4.4): the
// lazily-opened collection of per-file LWW registers that backs file
// content, plus the dirty and recently-modified bookkeeping the sync
// engine and fsync loop both read.
package inode

import (
	"encoding/base64"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/merklefs/merklefs/internal/ktree"
	"github.com/merklefs/merklefs/internal/lww"
)

// timedInode is one (time, inode) entry in timed_ops. Times are epoch
// nanoseconds: spec.md's REDESIGN FLAGS note that whole-second
// resolution produces ordering ties within the same second under any
// realistic write rate, so this store uses a nanosecond clock
// throughout rather than the coarser source representation.
type timedInode struct {
	At    int64
	Inode ktree.ID
}

// Store is the Inode Store. A single lock guards all of its state;
// spec.md §4.4 notes per-inode locking would be a valid optimization
// but is not required for correctness, since every operation here is
// coarse-grained.
type Store struct {
	basePath string
	replica  int64
	log      *zap.SugaredLogger

	mu        sync.Mutex
	registers map[ktree.ID]*lww.Register
	dirty     map[ktree.ID]struct{}
	times     map[ktree.ID]int64
	timedOps  []timedInode
}

// New constructs an Inode Store whose registers live under basePath,
// one file per inode.
func New(basePath string, replica int64, log *zap.SugaredLogger) *Store {
	return &Store{
		basePath:  basePath,
		replica:   replica,
		log:       log,
		registers: map[ktree.ID]*lww.Register{},
		dirty:     map[ktree.ID]struct{}{},
		times:     map[ktree.ID]int64{},
	}
}

// Open lazily opens, or returns the already-open handle for, the LWW
// register backing inode.
func (s *Store) Open(inode ktree.ID) (*lww.Register, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(inode)
}

func (s *Store) openLocked(inode ktree.ID) (*lww.Register, error) {
	if reg, ok := s.registers[inode]; ok {
		return reg, nil
	}
	reg, err := lww.New(filepath.Join(s.basePath, strconv.FormatUint(uint64(inode), 10)), s.replica, s.log)
	if err != nil {
		return nil, errors.Wrapf(err, "inode: opening register for inode %d", inode)
	}
	if err := reg.Fload(); err != nil {
		return nil, errors.Wrapf(err, "inode: loading register for inode %d", inode)
	}
	s.registers[inode] = reg
	return reg, nil
}

// decodeContent interprets a register's raw value as base64 text and
// returns the real file bytes it represents. A register's own DAG
// persistence independently base64-wraps whatever opaque value it is
// given (spec.md §4.2) — the Inode Store chooses to keep that opaque
// value as base64 text of the real content, so arbitrary binary data
// survives untouched through both layers.
func decodeContent(reg *lww.Register) ([]byte, error) {
	raw := reg.Read()
	if len(raw) == 0 {
		return nil, nil
	}
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
	n, err := base64.StdEncoding.Decode(decoded, raw)
	if err != nil {
		return nil, errors.Wrap(err, "inode: decoding register contents")
	}
	return decoded[:n], nil
}

func encodeContent(content []byte) []byte {
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(content)))
	base64.StdEncoding.Encode(encoded, content)
	return encoded
}

// Read returns up to size bytes of inode's content starting at offset.
// Reading past the end of the content returns fewer bytes, never an
// error.
func (s *Store) Read(inode ktree.ID, offset, size int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.openLocked(inode)
	if err != nil {
		return nil, err
	}
	content, err := decodeContent(reg)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset >= int64(len(content)) {
		return nil, nil
	}
	end := offset + size
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return append([]byte(nil), content[offset:end]...), nil
}

// Write performs a read-modify-write of inode's content at offset,
// extending it with zero bytes if offset+len(buf) exceeds the current
// length, marks the inode dirty, and records the modification time.
func (s *Store) Write(inode ktree.ID, offset int64, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.openLocked(inode)
	if err != nil {
		return 0, err
	}
	content, err := decodeContent(reg)
	if err != nil {
		return 0, err
	}

	end := offset + int64(len(buf))
	if end > int64(len(content)) {
		grown := make([]byte, end)
		copy(grown, content)
		content = grown
	}
	copy(content[offset:end], buf)

	reg.Write(encodeContent(content))
	s.markDirtyLocked(inode)
	return len(buf), nil
}

// Size returns inode's current decoded content length.
func (s *Store) Size(inode ktree.ID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.openLocked(inode)
	if err != nil {
		return 0, err
	}
	content, err := decodeContent(reg)
	if err != nil {
		return 0, err
	}
	return int64(len(content)), nil
}

func (s *Store) touchLocked(inode ktree.ID) {
	now := time.Now().UnixNano()
	s.times[inode] = now
	s.timedOps = append(s.timedOps, timedInode{At: now, Inode: inode})
}

func (s *Store) markDirtyLocked(inode ktree.ID) {
	s.dirty[inode] = struct{}{}
	s.touchLocked(inode)
}

// MarkRemoteChange records that inode was just modified by a peer's
// push — called from the sync server's bulk_root handler — so a
// future ChangesSince call propagates it onward to other peers. This
// does not mark the inode dirty: the handler's add_root call that
// follows advances the register's root itself, so there is no pending
// local write for fsync to cut.
func (s *Store) MarkRemoteChange(inode ktree.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked(inode)
}

// ChangesSince returns every inode with a recorded modification at or
// after t (epoch nanoseconds), in no particular order, deduplicated,
// plus the current clock reading — the pair the sync engine's per-peer
// push loop uses to build its changelist and advance last_time.
func (s *Store) ChangesSince(t int64) ([]ktree.ID, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixNano()
	seen := map[ktree.ID]struct{}{}
	var out []ktree.ID
	for _, op := range s.timedOps {
		if op.At < t {
			continue
		}
		if _, ok := seen[op.Inode]; ok {
			continue
		}
		seen[op.Inode] = struct{}{}
		out = append(out, op.Inode)
	}
	return out, now
}

// Fsync materializes every dirty register's pending write into a DAG
// node via CutRoot, persists it to disk, and clears the dirty set.
func (s *Store) Fsync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for inode := range s.dirty {
		reg, ok := s.registers[inode]
		if !ok {
			continue
		}
		if err := reg.CutRoot(); err != nil {
			return errors.Wrapf(err, "inode: cutting root for inode %d", inode)
		}
		if err := reg.Fsync(); err != nil {
			return errors.Wrapf(err, "inode: fsyncing inode %d", inode)
		}
		delete(s.dirty, inode)
	}
	return nil
}
