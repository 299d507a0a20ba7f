// Package inode implements the per-branch inode metadata table of
// spec.md §4.B: kind, size, times, mode, uid/gid, ordered xattrs and
// nlink, with copy-on-write inheritance from a branch's parent snapshot.
package inode

import (
	"sync"

	"github.com/agentfs/agentfs/internal/vfs/types"
	"github.com/agentfs/agentfs/internal/xerrors"
)

type entry struct {
	mu     sync.RWMutex
	attrs  types.Attrs
	xattrs *types.Xattrs
}

type branchLayer struct {
	parent  types.BranchID // "" if rooted directly
	entries map[types.InodeNum]*entry
	nextNum types.InodeNum
}

func newBranchLayer(parent types.BranchID) *branchLayer {
	return &branchLayer{parent: parent, entries: make(map[types.InodeNum]*entry)}
}

// Table is the per-daemon inode table spanning every branch and snapshot
// layer, mirroring store.Store's layer-chain shape so the two stay in
// lockstep for a given branch/snapshot id.
type Table struct {
	mu     sync.RWMutex
	layers map[types.BranchID]*branchLayer
}

func New() *Table {
	return &Table{layers: make(map[types.BranchID]*branchLayer)}
}

// NewLayer registers a layer. parent is the snapshot (or branch, for a
// snapshot-of-snapshot chain) it inherits unmaterialized inodes from.
func (t *Table) NewLayer(id, parent types.BranchID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.layers[id] = newBranchLayer(parent)
}

// DestroyLayer removes a layer's metadata entirely.
func (t *Table) DestroyLayer(id types.BranchID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.layers, id)
}

// find walks the layer chain under the table lock and returns the first
// entry found; branchLayer's entries map itself needs no separate lock
// since it's only ever mutated under t.mu, and entry contents are guarded
// by entry.mu.
func (t *Table) find(layer types.BranchID, num types.InodeNum) (*entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cur := layer
	for {
		l, ok := t.layers[cur]
		if !ok {
			break
		}
		if e, ok := l.entries[num]; ok {
			return e, nil
		}
		if l.parent == "" {
			break
		}
		cur = l.parent
	}
	return nil, xerrors.New("inode", xerrors.NotFound, "inode %d not found in branch %s", num, layer)
}

// Allocate reserves the next inode number in layer and stores initial
// attrs, the way a create/mkdir/symlink operation would.
func (t *Table) Allocate(layer types.BranchID, attrs types.Attrs) (types.InodeNum, error) {
	t.mu.Lock()
	l, ok := t.layers[layer]
	if !ok {
		t.mu.Unlock()
		return 0, xerrors.New("inode", xerrors.NotFound, "unknown layer %s", layer)
	}
	l.nextNum++
	num := l.nextNum
	l.entries[num] = &entry{attrs: attrs, xattrs: types.NewXattrs()}
	t.mu.Unlock()
	return num, nil
}

// Get returns a copy of the current attributes, taking the entry's shared
// lock. Returns not_found if the inode isn't visible from layer.
func (t *Table) Get(layer types.BranchID, num types.InodeNum) (types.Attrs, error) {
	e, err := t.find(layer, num)
	if err != nil {
		return types.Attrs{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attrs, nil
}

// materialize returns layer's own entry for num, copying it down from the
// nearest ancestor (cloning attrs/xattrs) the first time layer touches it.
func (t *Table) materialize(layer types.BranchID, num types.InodeNum) (*entry, error) {
	t.mu.Lock()
	l, ok := t.layers[layer]
	if !ok {
		t.mu.Unlock()
		return nil, xerrors.New("inode", xerrors.NotFound, "unknown layer %s", layer)
	}
	if e, ok := l.entries[num]; ok {
		t.mu.Unlock()
		return e, nil
	}
	t.mu.Unlock()

	src, err := t.find(layer, num)
	if err != nil {
		return nil, err
	}
	src.mu.RLock()
	cloned := &entry{attrs: src.attrs, xattrs: cloneXattrs(src.xattrs)}
	src.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := l.entries[num]; ok {
		return e, nil
	}
	l.entries[num] = cloned
	return cloned, nil
}

func cloneXattrs(x *types.Xattrs) *types.Xattrs {
	clone := types.NewXattrs()
	for _, name := range x.Names {
		v := x.Values[name]
		cp := make([]byte, len(v))
		copy(cp, v)
		clone.Set(name, cp, false, false)
	}
	return clone
}

// Update applies fn to a materialized, exclusively-locked copy of num's
// attrs in layer, the generic path for ctime/mtime/mode/nlink/xattr
// mutations that must COW-materialize before writing.
func (t *Table) Update(layer types.BranchID, num types.InodeNum, fn func(*types.Attrs)) error {
	e, err := t.materialize(layer, num)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.attrs)
	return nil
}

// SetXattr applies create-only/replace-only semantics per spec.md §4.B.
func (t *Table) SetXattr(layer types.BranchID, num types.InodeNum, name string, value []byte, createOnly, replaceOnly bool) error {
	e, err := t.materialize(layer, num)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.xattrs.Set(name, value, createOnly, replaceOnly) {
		if createOnly {
			return xerrors.New("inode", xerrors.AlreadyExists, "xattr %q already set", name)
		}
		return xerrors.New("inode", xerrors.InvalidArgument, "xattr %q not set", name)
	}
	return nil
}

func (t *Table) GetXattr(layer types.BranchID, num types.InodeNum, name string) ([]byte, error) {
	e, err := t.find(layer, num)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.xattrs.Get(name)
	if !ok {
		return nil, xerrors.New("inode", xerrors.NotFound, "xattr %q not present", name)
	}
	return v, nil
}

func (t *Table) ListXattrs(layer types.BranchID, num types.InodeNum) ([]string, error) {
	e, err := t.find(layer, num)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, len(e.xattrs.Names))
	copy(names, e.xattrs.Names)
	return names, nil
}

// RemoveXattr reports not_found (no_data in POSIX terms) if absent, per
// spec.md §4.B.
func (t *Table) RemoveXattr(layer types.BranchID, num types.InodeNum, name string) error {
	e, err := t.materialize(layer, num)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.xattrs.Remove(name) {
		return xerrors.New("inode", xerrors.NotFound, "xattr %q not present", name)
	}
	return nil
}

// Link increments nlink, Unlink decrements it; callers (the directory
// index layer) are responsible for invoking store.Discard once nlink
// reaches zero with no open handles.
func (t *Table) Link(layer types.BranchID, num types.InodeNum) error {
	return t.Update(layer, num, func(a *types.Attrs) { a.Nlink++ })
}

func (t *Table) Unlink(layer types.BranchID, num types.InodeNum) (nowZero bool, err error) {
	err = t.Update(layer, num, func(a *types.Attrs) {
		if a.Nlink > 0 {
			a.Nlink--
		}
	})
	if err != nil {
		return false, err
	}
	attrs, err := t.Get(layer, num)
	if err != nil {
		return false, err
	}
	return attrs.Nlink == 0, nil
}
