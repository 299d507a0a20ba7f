// Package path implements the path resolver of spec.md §4.E: turns a
// caller PID and a slash-separated path into (found_inode, parent_inode,
// final_name), handling "." / ".." / "/" and bounded symlink following,
// plus the virtual /.agentfs/control pseudo-directory.
package path

import (
	"strings"

	"github.com/agentfs/agentfs/internal/vfs/dirent"
	"github.com/agentfs/agentfs/internal/vfs/inode"
	"github.com/agentfs/agentfs/internal/vfs/types"
	"github.com/agentfs/agentfs/internal/xerrors"
)

const (
	DefaultMaxPathLength   = 4096
	DefaultMaxNameLength   = 255
	DefaultMaxSymlinkDepth = 40

	ControlDirName  = ".agentfs"
	ControlFileName = "control"
)

// Binding resolves a caller PID to the branch it currently operates on and
// that branch's root inode; the process registry (internal/registry) is
// the source of truth and is passed in by the engine at call time so this
// package stays free of process-table concerns.
type Binding struct {
	Branch types.BranchID
	Root   types.InodeNum
}

// Result is a successful resolution.
type Result struct {
	Inode      types.InodeNum
	Parent     types.InodeNum
	Name       string
	IsControl  bool // true when the path named the virtual control file
}

// Resolver walks paths against an inode table and directory index.
type Resolver struct {
	Inodes          *inode.Table
	Dirs            *dirent.Index
	MaxPathLength   int
	MaxNameLength   int
	MaxSymlinkDepth int
}

func New(inodes *inode.Table, dirs *dirent.Index) *Resolver {
	return &Resolver{
		Inodes:          inodes,
		Dirs:            dirs,
		MaxPathLength:   DefaultMaxPathLength,
		MaxNameLength:   DefaultMaxNameLength,
		MaxSymlinkDepth: DefaultMaxSymlinkDepth,
	}
}

// Resolve walks p from bind.Root, following symlinks when followFinal is
// true. It returns the virtual control file as a distinguished Result
// rather than a real inode lookup, per spec.md §4.E.
func (r *Resolver) Resolve(bind Binding, p string, followFinal bool) (Result, error) {
	if len(p) > r.MaxPathLength {
		return Result{}, xerrors.New("path", xerrors.InvalidArgument, "path exceeds max length %d", r.MaxPathLength)
	}

	components := splitComponents(p)
	if len(components) >= 1 && components[0] == ControlDirName {
		if len(components) == 2 && components[1] == ControlFileName {
			return Result{IsControl: true, Name: ControlFileName}, nil
		}
		if len(components) == 1 {
			return Result{IsControl: true, Name: ControlDirName}, nil
		}
		return Result{}, xerrors.New("path", xerrors.NotFound, "no such entry under /.agentfs")
	}

	cur := bind.Root
	parent := bind.Root
	var ancestors []types.InodeNum // directories visited on the way to cur, for ".."
	var name string

	depth := 0
	for i := 0; i < len(components); i++ {
		comp := components[i]
		if len(comp) > r.MaxNameLength {
			return Result{}, xerrors.New("path", xerrors.InvalidArgument, "name %q exceeds max length %d", comp, r.MaxNameLength)
		}

		switch comp {
		case ".":
			name = comp
			continue
		case "..":
			if len(ancestors) > 0 {
				cur = ancestors[len(ancestors)-1]
				ancestors = ancestors[:len(ancestors)-1]
			} else {
				cur = bind.Root
			}
			name = comp
			continue
		}

		ancestors = append(ancestors, cur)
		parent = cur

		child, err := r.Dirs.Lookup(bind.Branch, cur, comp)
		if err != nil {
			return Result{}, err
		}

		isLast := i == len(components)-1
		if !isLast || followFinal {
			attrs, err := r.Inodes.Get(bind.Branch, child)
			if err != nil {
				return Result{}, err
			}
			if attrs.Kind == types.KindSymlink {
				depth++
				if depth > r.MaxSymlinkDepth {
					return Result{}, xerrors.New("path", xerrors.Loop, "symlink chain exceeds depth %d", r.MaxSymlinkDepth)
				}
				target := attrs.SymlinkTarget
				if strings.HasPrefix(target, "/") {
					cur = bind.Root
					ancestors = nil
					parent = bind.Root
				}
				rest := append(splitComponents(target), components[i+1:]...)
				components = rest
				i = -1 // next iteration (i++ below) starts the rebuilt slice at 0
				continue
			}
			if !isLast && attrs.Kind != types.KindDirectory {
				return Result{}, xerrors.New("path", xerrors.NotADirectory, "%q is not a directory", comp)
			}
		}

		cur = child
		name = comp
	}

	return Result{Inode: cur, Parent: parent, Name: name}, nil
}

func splitComponents(p string) []string {
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
