// Package fsadapter implements the Go side of the kernel filesystem
// boundary described in spec.md §6: a Core that translates the
// kernel's filesystem operations into calls on the K-Tree and Inode
// Store. Binding Core's methods to an actual FUSE syscall loop is the
// "thin adapter" spec.md places out of scope; no such binding appears
// here.
package fsadapter

import (
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/merklefs/merklefs/internal/inode"
	"github.com/merklefs/merklefs/internal/ktree"
)

// Error taxonomy per spec.md §7.
var (
	ErrNotFound  = errors.New("fsadapter: not found")
	ErrExists    = errors.New("fsadapter: already exists")
	ErrNotDir    = errors.New("fsadapter: not a directory")
	ErrNotEmpty  = errors.New("fsadapter: directory not empty")
)

// Attr is the stubbed attribute set spec.md §6 describes: permissions
// fixed at 0o777, timestamps fixed at the time Core answers the
// request rather than tracked per-inode (no additional LWW field
// backs them).
type Attr struct {
	Inode ktree.ID
	IsDir bool
	Size  int64
	Mode  os.FileMode
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// Core is the full extent of this repository's kernel-facing surface:
// every method a real FUSE binding would call through to reach the
// K-Tree and Inode Store. It also owns the in-memory translation
// between the kernel's own inode numbering (conventionally starting at
// 2, handed out sequentially as names are first observed) and the
// K-Tree's 64-bit inode identifiers, rebuilt fresh at mount time.
type Core struct {
	tree  *ktree.Tree
	store *inode.Store
	log   *zap.SugaredLogger

	mu       sync.Mutex
	nextKino uint64
	kinoOf   map[ktree.ID]uint64
	idOf     map[uint64]ktree.ID
}

// New constructs a Core over an already-loaded tree and store.
func New(tree *ktree.Tree, store *inode.Store, log *zap.SugaredLogger) *Core {
	c := &Core{
		tree:     tree,
		store:    store,
		log:      log,
		nextKino: 2,
		kinoOf:   map[ktree.ID]uint64{},
		idOf:     map[uint64]ktree.ID{},
	}
	c.bind(ktree.RootID)
	return c
}

// bind assigns id its kernel inode number on first sight, returning
// the (possibly newly minted) kernel number.
func (c *Core) bind(id ktree.ID) uint64 {
	if kino, ok := c.kinoOf[id]; ok {
		return kino
	}
	kino := c.nextKino
	c.nextKino++
	c.kinoOf[id] = kino
	c.idOf[kino] = id
	return kino
}

// resolve maps a kernel inode number back to its K-Tree identifier.
func (c *Core) resolve(kino uint64) (ktree.ID, bool) {
	id, ok := c.idOf[kino]
	return id, ok
}

func isDir(id ktree.ID) bool { return id&(1<<63) == 0 }

func (c *Core) attr(id ktree.ID) (Attr, error) {
	now := time.Now()
	a := Attr{Inode: id, IsDir: isDir(id), Mode: 0o777, Atime: now, Mtime: now, Ctime: now}
	if !a.IsDir {
		size, err := c.store.Size(id)
		if err != nil {
			return Attr{}, err
		}
		a.Size = size
	}
	return a, nil
}

// Lookup resolves name within the directory kernel inode parentKino,
// binding and returning its kernel inode number.
func (c *Core) Lookup(parentKino uint64, name string) (uint64, Attr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, ok := c.resolve(parentKino)
	if !ok {
		return 0, Attr{}, ErrNotFound
	}
	id, ok := c.tree.Lookup(parent, name)
	if !ok {
		return 0, Attr{}, ErrNotFound
	}
	a, err := c.attr(id)
	if err != nil {
		return 0, Attr{}, err
	}
	return c.bind(id), a, nil
}

// GetAttr returns the stubbed attributes for a previously bound kernel
// inode.
func (c *Core) GetAttr(kino uint64) (Attr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.resolve(kino)
	if !ok {
		return Attr{}, ErrNotFound
	}
	return c.attr(id)
}

// Open is a no-op at this layer: the Inode Store opens a file's
// register lazily on first Read/Write, so there is no session state
// to establish here beyond confirming the inode exists.
func (c *Core) Open(kino uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.resolve(kino); !ok {
		return ErrNotFound
	}
	return nil
}

// Create makes a new regular file named name under the directory
// kernel inode parentKino.
func (c *Core) Create(parentKino uint64, name string) (uint64, Attr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, ok := c.resolve(parentKino)
	if !ok {
		return 0, Attr{}, ErrNotFound
	}
	if _, exists := c.tree.Lookup(parent, name); exists {
		return 0, Attr{}, ErrExists
	}
	id, err := c.tree.Mkf(parent, name)
	if err != nil {
		return 0, Attr{}, err
	}
	a, err := c.attr(id)
	if err != nil {
		return 0, Attr{}, err
	}
	return c.bind(id), a, nil
}

// Read returns up to size bytes of a file's content at offset.
func (c *Core) Read(kino uint64, offset, size int64) ([]byte, error) {
	c.mu.Lock()
	id, ok := c.resolve(kino)
	c.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return c.store.Read(id, offset, size)
}

// Write writes buf into a file's content at offset.
func (c *Core) Write(kino uint64, offset int64, buf []byte) (int, error) {
	c.mu.Lock()
	id, ok := c.resolve(kino)
	c.mu.Unlock()
	if !ok {
		return 0, ErrNotFound
	}
	return c.store.Write(id, offset, buf)
}

// Fsync materializes and persists the namespace tree and every dirty
// file register.
func (c *Core) Fsync() error {
	if err := c.tree.Fsync(); err != nil {
		return err
	}
	return c.store.Fsync()
}

// OpenDir mirrors Open for directories.
func (c *Core) OpenDir(kino uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.resolve(kino)
	if !ok {
		return ErrNotFound
	}
	if !isDir(id) {
		return ErrNotDir
	}
	return nil
}

// ReadDir lists every entry directly under the directory kernel inode
// kino, binding a kernel inode number for each.
func (c *Core) ReadDir(kino uint64) (map[string]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.resolve(kino)
	if !ok {
		return nil, ErrNotFound
	}
	if !isDir(id) {
		return nil, ErrNotDir
	}

	entries := c.tree.List(id)
	out := make(map[string]uint64, len(entries))
	for name, childID := range entries {
		out[name] = c.bind(childID)
	}
	return out, nil
}

// Mkdir creates a new subdirectory named name under parentKino.
func (c *Core) Mkdir(parentKino uint64, name string) (uint64, Attr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, ok := c.resolve(parentKino)
	if !ok {
		return 0, Attr{}, ErrNotFound
	}
	if _, exists := c.tree.Lookup(parent, name); exists {
		return 0, Attr{}, ErrExists
	}
	id, err := c.tree.Mkdir(parent, name)
	if err != nil {
		return 0, Attr{}, err
	}
	a, err := c.attr(id)
	if err != nil {
		return 0, Attr{}, err
	}
	return c.bind(id), a, nil
}

// Rmdir and Unlink both move an entry to the trash; the K-Tree has no
// distinct delete operation, per spec.md §4.3's move-based model.
func (c *Core) Rmdir(parentKino uint64, name string) error {
	return c.remove(parentKino, name, true)
}

func (c *Core) Unlink(parentKino uint64, name string) error {
	return c.remove(parentKino, name, false)
}

func (c *Core) remove(parentKino uint64, name string, wantDir bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, ok := c.resolve(parentKino)
	if !ok {
		return ErrNotFound
	}
	id, ok := c.tree.Lookup(parent, name)
	if !ok {
		return ErrNotFound
	}
	if isDir(id) != wantDir {
		return ErrNotDir
	}
	if wantDir && len(c.tree.List(id)) > 0 {
		return ErrNotEmpty
	}
	return c.tree.Remove(id)
}

// Rename moves the entry named oldName under oldParentKino to newName
// under newParentKino. A rename that would create a cycle is accepted
// here and silently has no effect once applied, per spec.md §7.
func (c *Core) Rename(oldParentKino uint64, oldName string, newParentKino uint64, newName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldParent, ok := c.resolve(oldParentKino)
	if !ok {
		return ErrNotFound
	}
	newParent, ok := c.resolve(newParentKino)
	if !ok {
		return ErrNotFound
	}
	id, ok := c.tree.Lookup(oldParent, oldName)
	if !ok {
		return ErrNotFound
	}
	return c.tree.Rename(id, newParent, newName)
}
