// Package dirent implements the per-directory-inode name index of
// spec.md §4.C: an ordered name->child-inode mapping per directory, with
// atomic rename under ascending-inode-number lock ordering to avoid
// deadlock against concurrent cross-directory renames.
package dirent

import (
	"sort"
	"sync"

	"github.com/agentfs/agentfs/internal/vfs/types"
	"github.com/agentfs/agentfs/internal/xerrors"
)

type directory struct {
	mu      sync.Mutex
	names   map[string]types.InodeNum
	ordered []string // insertion order, for stable listing
}

func newDirectory() *directory {
	return &directory{names: make(map[string]types.InodeNum)}
}

type layer struct {
	parent types.BranchID
	dirs   map[types.InodeNum]*directory
}

// Index is the per-daemon directory index spanning every branch/snapshot
// layer, keyed the same way as inode.Table and store.Store so the three
// stay aligned for a given layer id.
type Index struct {
	mu     sync.RWMutex
	layers map[types.BranchID]*layer
}

func New() *Index {
	return &Index{layers: make(map[types.BranchID]*layer)}
}

func (ix *Index) NewLayer(id, parent types.BranchID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.layers[id] = &layer{parent: parent, dirs: make(map[types.InodeNum]*directory)}
}

func (ix *Index) DestroyLayer(id types.BranchID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.layers, id)
}

// MakeDirectory registers dirInode as an (initially empty) directory
// within layer, the way mkdir materializes a fresh index entry.
func (ix *Index) MakeDirectory(layerID types.BranchID, dirInode types.InodeNum) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	l, ok := ix.layers[layerID]
	if !ok {
		return xerrors.New("dirent", xerrors.NotFound, "unknown layer %s", layerID)
	}
	l.dirs[dirInode] = newDirectory()
	return nil
}

// materialize returns layer's own directory for dirInode, cloning the
// nearest ancestor's entries into it on first touch (COW, mirroring
// inode.Table.materialize).
func (ix *Index) materialize(layerID types.BranchID, dirInode types.InodeNum) (*directory, error) {
	ix.mu.Lock()
	l, ok := ix.layers[layerID]
	if !ok {
		ix.mu.Unlock()
		return nil, xerrors.New("dirent", xerrors.NotFound, "unknown layer %s", layerID)
	}
	if d, ok := l.dirs[dirInode]; ok {
		ix.mu.Unlock()
		return d, nil
	}
	ix.mu.Unlock()

	src, err := ix.find(layerID, dirInode)
	if err != nil {
		return nil, err
	}
	src.mu.Lock()
	cloned := newDirectory()
	cloned.ordered = append(cloned.ordered, src.ordered...)
	for k, v := range src.names {
		cloned.names[k] = v
	}
	src.mu.Unlock()

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if d, ok := l.dirs[dirInode]; ok {
		return d, nil
	}
	l.dirs[dirInode] = cloned
	return cloned, nil
}

func (ix *Index) find(layerID types.BranchID, dirInode types.InodeNum) (*directory, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	cur := layerID
	for {
		l, ok := ix.layers[cur]
		if !ok {
			break
		}
		if d, ok := l.dirs[dirInode]; ok {
			return d, nil
		}
		if l.parent == "" {
			break
		}
		cur = l.parent
	}
	return nil, xerrors.New("dirent", xerrors.NotFound, "directory inode %d not found", dirInode)
}

// Lookup resolves name within dirInode, returning not_found if absent.
func (ix *Index) Lookup(layerID types.BranchID, dirInode types.InodeNum, name string) (types.InodeNum, error) {
	d, err := ix.find(layerID, dirInode)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	child, ok := d.names[name]
	if !ok {
		return 0, xerrors.New("dirent", xerrors.NotFound, "no such entry %q", name)
	}
	return child, nil
}

// List returns names in stable insertion order, the basis for a directory
// iterator cursor's first-read snapshot (spec.md §4.D).
func (ix *Index) List(layerID types.BranchID, dirInode types.InodeNum) ([]string, error) {
	d, err := ix.find(layerID, dirInode)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.ordered))
	copy(out, d.ordered)
	return out, nil
}

// Insert adds name->child in dirInode, failing already_exists if name is
// already bound.
func (ix *Index) Insert(layerID types.BranchID, dirInode types.InodeNum, name string, child types.InodeNum) error {
	d, err := ix.materialize(layerID, dirInode)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.names[name]; exists {
		return xerrors.New("dirent", xerrors.AlreadyExists, "entry %q already exists", name)
	}
	d.names[name] = child
	d.ordered = append(d.ordered, name)
	return nil
}

// Remove deletes name->* from dirInode.
func (ix *Index) Remove(layerID types.BranchID, dirInode types.InodeNum, name string) (types.InodeNum, error) {
	d, err := ix.materialize(layerID, dirInode)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	child, ok := d.names[name]
	if !ok {
		return 0, xerrors.New("dirent", xerrors.NotFound, "no such entry %q", name)
	}
	delete(d.names, name)
	for i, n := range d.ordered {
		if n == name {
			d.ordered = append(d.ordered[:i], d.ordered[i+1:]...)
			break
		}
	}
	return child, nil
}

// IsEmpty reports whether dirInode currently holds no entries.
func (ix *Index) IsEmpty(layerID types.BranchID, dirInode types.InodeNum) (bool, error) {
	d, err := ix.find(layerID, dirInode)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.names) == 0, nil
}

// Rename moves (srcName in srcDir) to (dstName in dstDir) atomically,
// implementing spec.md §4.C's three-step protocol: lock both directories
// in ascending-inode order, apply replace-or-fail semantics, then swap
// entries under the held locks so no intermediate state is observable.
func (ix *Index) Rename(layerID types.BranchID, srcDir types.InodeNum, srcName string, dstDir types.InodeNum, dstName string, replace bool, dstIsNonEmptyDir func(types.InodeNum) (bool, error)) error {
	srcD, err := ix.materialize(layerID, srcDir)
	if err != nil {
		return err
	}
	dstD, err := ix.materialize(layerID, dstDir)
	if err != nil {
		return err
	}

	first, second := srcD, dstD
	if srcDir == dstDir {
		second = nil
	} else if dstDir < srcDir {
		first, second = dstD, srcD
	}

	first.mu.Lock()
	if second != nil {
		second.mu.Lock()
		defer second.mu.Unlock()
	}
	defer first.mu.Unlock()

	child, ok := srcD.names[srcName]
	if !ok {
		return xerrors.New("dirent", xerrors.NotFound, "no such entry %q", srcName)
	}

	if existing, exists := dstD.names[dstName]; exists {
		if !replace {
			return xerrors.New("dirent", xerrors.AlreadyExists, "destination %q already exists", dstName)
		}
		if dstIsNonEmptyDir != nil {
			nonEmpty, err := dstIsNonEmptyDir(existing)
			if err != nil {
				return err
			}
			if nonEmpty {
				return xerrors.New("dirent", xerrors.Busy, "destination %q is a non-empty directory", dstName)
			}
		}
		removeName(dstD, dstName)
	}

	removeName(srcD, srcName)
	dstD.names[dstName] = child
	dstD.ordered = append(dstD.ordered, dstName)
	return nil
}

func removeName(d *directory, name string) {
	delete(d.names, name)
	for i, n := range d.ordered {
		if n == name {
			d.ordered = append(d.ordered[:i], d.ordered[i+1:]...)
			break
		}
	}
}

// SortedNames returns a lexicographically sorted copy of names, used by
// handle.DirCursor to build the stable first-read snapshot.
func SortedNames(names []string) []string {
	out := make([]string, len(names))
	copy(out, names)
	sort.Strings(out)
	return out
}
