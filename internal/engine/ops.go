package engine

import (
	"context"
	"strings"
	"time"

	"github.com/agentfs/agentfs/internal/vfs/handle"
	"github.com/agentfs/agentfs/internal/vfs/path"
	"github.com/agentfs/agentfs/internal/vfs/types"
	"github.com/agentfs/agentfs/internal/xerrors"
)

// splitVirtualPath divides a slash-separated virtual path into its parent
// directory path and final component name, the way a caller must before an
// operation (mkdir, create, symlink) whose final component is not expected
// to already exist — path.Resolver.Resolve requires every component,
// including the last, to resolve to a real entry.
func splitVirtualPath(p string) (dir, base string) {
	p = strings.TrimSuffix(p, "/")
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return "", p
	}
	return p[:idx], p[idx+1:]
}

// resolveParent resolves dir (the empty string means the binding's root)
// to a directory inode, following symlinks along the way.
func (e *Engine) resolveParent(bind path.Binding, dir string) (types.InodeNum, error) {
	if dir == "" {
		return bind.Root, nil
	}
	res, err := e.resolver.Resolve(bind, dir, true)
	if err != nil {
		return 0, err
	}
	if res.IsControl {
		return 0, xerrors.New("engine", xerrors.NotADirectory, "%q is not a directory", dir)
	}
	attrs, err := e.inodes.Get(bind.Branch, res.Inode)
	if err != nil {
		return 0, err
	}
	if attrs.Kind != types.KindDirectory {
		return 0, xerrors.New("engine", xerrors.NotADirectory, "%q is not a directory", dir)
	}
	return res.Inode, nil
}

// GetAttr resolves p (following a trailing symlink) and returns its
// attributes.
func (e *Engine) GetAttr(pid uint32, p string) (types.Attrs, error) {
	bind := e.bindingFor(pid)
	res, err := e.resolver.Resolve(bind, p, true)
	if err != nil {
		return types.Attrs{}, err
	}
	if res.IsControl {
		return types.Attrs{Kind: types.KindDirectory, Mode: 0755}, nil
	}
	return e.inodes.Get(bind.Branch, res.Inode)
}

// SetAttr applies fn to p's attributes, bumping ctime.
func (e *Engine) SetAttr(pid uint32, p string, fn func(*types.Attrs)) error {
	bind := e.bindingFor(pid)
	res, err := e.resolver.Resolve(bind, p, true)
	if err != nil {
		return err
	}
	if res.IsControl {
		return xerrors.New("engine", xerrors.AccessDenied, "cannot modify attributes of the control file")
	}
	return e.inodes.Update(bind.Branch, res.Inode, func(a *types.Attrs) {
		fn(a)
		a.Ctime = time.Now()
	})
}

// ReadSymlink returns the target of the symlink at p (not following it).
func (e *Engine) ReadSymlink(pid uint32, p string) (string, error) {
	bind := e.bindingFor(pid)
	res, err := e.resolver.Resolve(bind, p, false)
	if err != nil {
		return "", err
	}
	attrs, err := e.inodes.Get(bind.Branch, res.Inode)
	if err != nil {
		return "", err
	}
	if attrs.Kind != types.KindSymlink {
		return "", xerrors.New("engine", xerrors.InvalidArgument, "%q is not a symlink", p)
	}
	return attrs.SymlinkTarget, nil
}

func newEntryAttrs(kind types.Kind, mode uint32, nlink uint32) types.Attrs {
	now := time.Now()
	return types.Attrs{Kind: kind, Mode: mode, Nlink: nlink, Atime: now, Mtime: now, Ctime: now, Birthtime: now}
}

// MkDir creates an empty directory at p.
func (e *Engine) MkDir(pid uint32, p string, mode uint32) (types.InodeNum, error) {
	bind := e.bindingFor(pid)
	dir, base := splitVirtualPath(p)
	if base == "" {
		return 0, xerrors.New("engine", xerrors.InvalidArgument, "empty directory name")
	}
	parent, err := e.resolveParent(bind, dir)
	if err != nil {
		return 0, err
	}
	num, err := e.inodes.Allocate(bind.Branch, newEntryAttrs(types.KindDirectory, mode, 2))
	if err != nil {
		return 0, err
	}
	if err := e.dirs.MakeDirectory(bind.Branch, num); err != nil {
		return 0, err
	}
	if err := e.dirs.Insert(bind.Branch, parent, base, num); err != nil {
		return 0, err
	}
	return num, nil
}

// CreateFile creates an empty regular file at p.
func (e *Engine) CreateFile(pid uint32, p string, mode uint32) (types.InodeNum, error) {
	bind := e.bindingFor(pid)
	dir, base := splitVirtualPath(p)
	if base == "" {
		return 0, xerrors.New("engine", xerrors.InvalidArgument, "empty file name")
	}
	parent, err := e.resolveParent(bind, dir)
	if err != nil {
		return 0, err
	}
	num, err := e.inodes.Allocate(bind.Branch, newEntryAttrs(types.KindRegular, mode, 1))
	if err != nil {
		return 0, err
	}
	if err := e.dirs.Insert(bind.Branch, parent, base, num); err != nil {
		return 0, err
	}
	return num, nil
}

// CreateSymlink creates a symlink at p pointing at target.
func (e *Engine) CreateSymlink(pid uint32, p, target string) (types.InodeNum, error) {
	bind := e.bindingFor(pid)
	dir, base := splitVirtualPath(p)
	if base == "" {
		return 0, xerrors.New("engine", xerrors.InvalidArgument, "empty symlink name")
	}
	parent, err := e.resolveParent(bind, dir)
	if err != nil {
		return 0, err
	}
	attrs := newEntryAttrs(types.KindSymlink, 0777, 1)
	attrs.SymlinkTarget = target
	attrs.Size = uint64(len(target))
	num, err := e.inodes.Allocate(bind.Branch, attrs)
	if err != nil {
		return 0, err
	}
	if err := e.dirs.Insert(bind.Branch, parent, base, num); err != nil {
		return 0, err
	}
	return num, nil
}

// Link creates a new hard link named p to the existing inode targetPath
// resolves to.
func (e *Engine) Link(pid uint32, targetPath, p string) error {
	bind := e.bindingFor(pid)
	target, err := e.resolver.Resolve(bind, targetPath, false)
	if err != nil {
		return err
	}
	dir, base := splitVirtualPath(p)
	parent, err := e.resolveParent(bind, dir)
	if err != nil {
		return err
	}
	if err := e.dirs.Insert(bind.Branch, parent, base, target.Inode); err != nil {
		return err
	}
	return e.inodes.Link(bind.Branch, target.Inode)
}

// Unlink removes the directory entry at p and drops a reference from the
// target inode. Once its link count reaches zero its page-store content is
// discarded immediately if nothing has it open, or deferred until the last
// open handle on it closes (spec.md §8: open handles keep reading/writing
// an unlinked file until closed).
func (e *Engine) Unlink(pid uint32, p string) error {
	bind := e.bindingFor(pid)
	dir, base := splitVirtualPath(p)
	parent, err := e.resolveParent(bind, dir)
	if err != nil {
		return err
	}
	child, err := e.dirs.Remove(bind.Branch, parent, base)
	if err != nil {
		return err
	}
	attrs, err := e.inodes.Get(bind.Branch, child)
	if err != nil {
		return err
	}
	if attrs.Kind == types.KindDirectory {
		return xerrors.New("engine", xerrors.IsADirectory, "%q is a directory", p)
	}
	nowZero, err := e.inodes.Unlink(bind.Branch, child)
	if err != nil {
		return err
	}
	if nowZero && e.handles.MarkUnlinked(bind.Branch, child) {
		err := e.store.Discard(context.Background(), bind.Branch, child)
		e.metrics.ObservePageStoreOp("discard", err, 0)
		return err
	}
	return nil
}

// RmDir removes the empty directory at p.
func (e *Engine) RmDir(pid uint32, p string) error {
	bind := e.bindingFor(pid)
	dir, base := splitVirtualPath(p)
	parent, err := e.resolveParent(bind, dir)
	if err != nil {
		return err
	}
	child, err := e.dirs.Lookup(bind.Branch, parent, base)
	if err != nil {
		return err
	}
	empty, err := e.dirs.IsEmpty(bind.Branch, child)
	if err != nil {
		return err
	}
	if !empty {
		return xerrors.New("engine", xerrors.Busy, "%q is not empty", p)
	}
	if _, err := e.dirs.Remove(bind.Branch, parent, base); err != nil {
		return err
	}
	_, err = e.inodes.Unlink(bind.Branch, child)
	return err
}

// Rename moves oldPath to newPath, replacing an existing entry at newPath
// only if replace is true.
func (e *Engine) Rename(pid uint32, oldPath, newPath string, replace bool) error {
	bind := e.bindingFor(pid)
	oldDir, oldBase := splitVirtualPath(oldPath)
	newDir, newBase := splitVirtualPath(newPath)
	srcParent, err := e.resolveParent(bind, oldDir)
	if err != nil {
		return err
	}
	dstParent, err := e.resolveParent(bind, newDir)
	if err != nil {
		return err
	}
	dstIsNonEmptyDir := func(num types.InodeNum) (bool, error) {
		attrs, err := e.inodes.Get(bind.Branch, num)
		if err != nil {
			return false, err
		}
		if attrs.Kind != types.KindDirectory {
			return false, nil
		}
		empty, err := e.dirs.IsEmpty(bind.Branch, num)
		if err != nil {
			return false, err
		}
		return !empty, nil
	}
	return e.dirs.Rename(bind.Branch, srcParent, oldBase, dstParent, newBase, replace, dstIsNonEmptyDir)
}

// OpenFile opens the regular file at p for subsequent Read/Write.
func (e *Engine) OpenFile(pid uint32, p string, access handle.AccessMode, share handle.ShareMode) (handle.ID, error) {
	bind := e.bindingFor(pid)
	res, err := e.resolver.Resolve(bind, p, true)
	if err != nil {
		return handle.ID{}, err
	}
	attrs, err := e.inodes.Get(bind.Branch, res.Inode)
	if err != nil {
		return handle.ID{}, err
	}
	if attrs.Kind == types.KindDirectory {
		return handle.ID{}, xerrors.New("engine", xerrors.IsADirectory, "%q is a directory", p)
	}
	id, err := e.handles.Open(bind.Branch, res.Inode, pid, access, share, false)
	if err != nil {
		return handle.ID{}, err
	}
	if access&handle.AccessTruncate != 0 {
		err := e.store.Truncate(context.Background(), bind.Branch, res.Inode, 0)
		e.metrics.ObservePageStoreOp("truncate", err, 0)
		if err != nil {
			_, _ = e.handles.Close(id)
			return handle.ID{}, err
		}
		_ = e.inodes.Update(bind.Branch, res.Inode, func(a *types.Attrs) { a.Size = 0 })
	}
	return id, nil
}

// OpenDir opens the directory at p for subsequent ReadDirNext.
func (e *Engine) OpenDir(pid uint32, p string) (handle.ID, error) {
	bind := e.bindingFor(pid)
	res, err := e.resolver.Resolve(bind, p, true)
	if err != nil {
		return handle.ID{}, err
	}
	attrs, err := e.inodes.Get(bind.Branch, res.Inode)
	if err != nil {
		return handle.ID{}, err
	}
	if attrs.Kind != types.KindDirectory {
		return handle.ID{}, xerrors.New("engine", xerrors.NotADirectory, "%q is not a directory", p)
	}
	return e.handles.Open(bind.Branch, res.Inode, pid, handle.AccessRead, handle.ShareReadWrite, true)
}

// ReadDirNext returns the next entry name from id's directory cursor,
// snapshotting the sorted name set on the first call.
func (e *Engine) ReadDirNext(id handle.ID) (string, bool, error) {
	branch, ino, isDir, err := e.handles.Locate(id)
	if err != nil {
		return "", false, err
	}
	if !isDir {
		return "", false, xerrors.New("engine", xerrors.NotADirectory, "handle is not a directory handle")
	}
	names, err := e.dirs.List(branch, ino)
	if err != nil {
		return "", false, err
	}
	if err := e.handles.InitDirCursor(id, names); err != nil {
		return "", false, err
	}
	return e.handles.ReadDir(id)
}

// Read reads len(buf) bytes from id's file at offset.
func (e *Engine) Read(id handle.ID, buf []byte, offset int64) (int, error) {
	branch, ino, isDir, err := e.handles.Locate(id)
	if err != nil {
		return 0, err
	}
	if isDir {
		return 0, xerrors.New("engine", xerrors.IsADirectory, "handle is a directory handle")
	}
	n, err := e.store.Read(context.Background(), branch, ino, buf, offset)
	e.metrics.ObservePageStoreOp("read", err, n)
	return n, err
}

// Write writes buf to id's file at offset, updating size and mtime.
func (e *Engine) Write(id handle.ID, buf []byte, offset int64) (int, error) {
	branch, ino, isDir, err := e.handles.Locate(id)
	if err != nil {
		return 0, err
	}
	if isDir {
		return 0, xerrors.New("engine", xerrors.IsADirectory, "handle is a directory handle")
	}
	n, err := e.store.Write(context.Background(), branch, ino, buf, offset)
	e.metrics.ObservePageStoreOp("write", err, n)
	if err != nil {
		return n, err
	}
	newEnd := uint64(offset) + uint64(n)
	if uerr := e.inodes.Update(branch, ino, func(a *types.Attrs) {
		if newEnd > a.Size {
			a.Size = newEnd
		}
		a.Mtime = time.Now()
	}); uerr != nil {
		return n, uerr
	}
	return n, nil
}

// CloseHandle releases a handle opened by OpenFile/OpenDir, reclaiming the
// underlying inode's page-store content if this was the last open handle on
// a file already unlinked to zero links.
func (e *Engine) CloseHandle(id handle.ID) error {
	branch, inode, _, err := e.handles.Locate(id)
	if err != nil {
		return err
	}
	reclaim, err := e.handles.Close(id)
	if err != nil {
		return err
	}
	if reclaim {
		err := e.store.Discard(context.Background(), branch, inode)
		e.metrics.ObservePageStoreOp("discard", err, 0)
		return err
	}
	return nil
}

// Lock/Unlock forward to the handle table's byte-range lock implementation.
func (e *Engine) Lock(id handle.ID, start, end int64) error   { return e.handles.Lock(id, start, end) }
func (e *Engine) Unlock(id handle.ID, start, end int64) error { return e.handles.Unlock(id, start, end) }

// GetXattr/SetXattr/ListXattr/RemoveXattr resolve p and forward to the
// inode table's xattr storage.
func (e *Engine) GetXattr(pid uint32, p, name string) ([]byte, error) {
	bind := e.bindingFor(pid)
	res, err := e.resolver.Resolve(bind, p, true)
	if err != nil {
		return nil, err
	}
	return e.inodes.GetXattr(bind.Branch, res.Inode, name)
}

func (e *Engine) SetXattr(pid uint32, p, name string, value []byte, createOnly, replaceOnly bool) error {
	bind := e.bindingFor(pid)
	res, err := e.resolver.Resolve(bind, p, true)
	if err != nil {
		return err
	}
	return e.inodes.SetXattr(bind.Branch, res.Inode, name, value, createOnly, replaceOnly)
}

func (e *Engine) ListXattr(pid uint32, p string) ([]string, error) {
	bind := e.bindingFor(pid)
	res, err := e.resolver.Resolve(bind, p, true)
	if err != nil {
		return nil, err
	}
	return e.inodes.ListXattrs(bind.Branch, res.Inode)
}

func (e *Engine) RemoveXattr(pid uint32, p, name string) error {
	bind := e.bindingFor(pid)
	res, err := e.resolver.Resolve(bind, p, true)
	if err != nil {
		return err
	}
	return e.inodes.RemoveXattr(bind.Branch, res.Inode, name)
}

// BindProcess implements bind_process_to_branch for adapters that resolve
// paths through the engine directly rather than through the control plane.
func (e *Engine) BindProcess(pid uint32, branch types.BranchID) error {
	found := false
	for _, b := range e.snapshots.BranchList() {
		if b.ID == branch {
			found = true
			break
		}
	}
	if !found {
		return xerrors.New("engine", xerrors.NotFound, "unknown branch %s", branch)
	}
	e.registry.Bind(pid, branch)
	return nil
}

// Observe registers pid in the process registry, inheriting its bound
// branch from ppid if already known (spec.md §4.J).
func (e *Engine) Observe(pid, ppid, uid, gid uint32) {
	e.registry.Observe(pid, ppid, uid, gid)
}
