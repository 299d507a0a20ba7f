// Package types holds the shared value types for the in-memory filesystem
// engine, mirroring the attribute shape of jacobsa/fuse's fuseops package
// (fuseops.InodeAttributes) so a future FUSE adapter is a thin translation,
// the way the teacher's fs/inode.Inode.Attributes() does.
package types

import "time"

// Kind is the type of an inode.
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "regular"
	}
}

// BranchID names a mutable COW layer. SnapshotID names an immutable one.
// Both are opaque, UUID-derived tokens sharing the same representation
// (see internal/vfs/store.LayerID); the types are kept distinct at this
// layer so call sites can't accidentally hand a snapshot id where a branch
// id is required.
type BranchID string

type SnapshotID string

// InodeNum is a per-branch, monotonically allocated inode number.
type InodeNum uint64

// InodeRef identifies an inode within a specific branch's view.
type InodeRef struct {
	Branch BranchID
	Inode  InodeNum
}

// Attrs is an inode's metadata, independent of its byte content.
type Attrs struct {
	Kind      Kind
	Size      uint64
	Mode      uint32
	Uid       uint32
	Gid       uint32
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	Birthtime time.Time
	Nlink     uint32

	// SymlinkTarget is only meaningful when Kind == KindSymlink.
	SymlinkTarget string
}

// Xattrs is an ordered name->value mapping; Names preserves insertion order
// the way spec.md §4.B requires for xattr listing.
type Xattrs struct {
	Names  []string
	Values map[string][]byte
}

func NewXattrs() *Xattrs {
	return &Xattrs{Values: make(map[string][]byte)}
}

func (x *Xattrs) Get(name string) ([]byte, bool) {
	v, ok := x.Values[name]
	return v, ok
}

// Set honors createOnly/replaceOnly per spec.md §4.B; returns false if the
// flag combination cannot be satisfied given whether name already exists.
func (x *Xattrs) Set(name string, value []byte, createOnly, replaceOnly bool) bool {
	_, exists := x.Values[name]
	if createOnly && exists {
		return false
	}
	if replaceOnly && !exists {
		return false
	}
	if !exists {
		x.Names = append(x.Names, name)
	}
	x.Values[name] = value
	return true
}

// Remove deletes name, reporting whether it was present.
func (x *Xattrs) Remove(name string) bool {
	if _, ok := x.Values[name]; !ok {
		return false
	}
	delete(x.Values, name)
	for i, n := range x.Names {
		if n == name {
			x.Names = append(x.Names[:i], x.Names[i+1:]...)
			break
		}
	}
	return true
}
