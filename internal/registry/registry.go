// Package registry implements the process registry referenced by spec.md
// §4.J / glossary: a pid -> (ppid, uid, gid, bound_branch) table, lazily
// populated on first observed syscall, with branch binding inherited from
// the parent process unless explicitly rebound.
package registry

import (
	"sync"

	"github.com/agentfs/agentfs/internal/vfs/types"
	"github.com/agentfs/agentfs/internal/xerrors"
)

// Record is one process's registry entry.
type Record struct {
	Pid         uint32
	Ppid        uint32
	Uid         uint32
	Gid         uint32
	BoundBranch types.BranchID
}

// Registry is the process-wide (not per-branch) table of process records.
// It is initialized once at daemon start and torn down at daemon exit, per
// spec.md's Ownership paragraph.
type Registry struct {
	mu      sync.RWMutex
	records map[uint32]*Record
}

func New() *Registry {
	return &Registry{records: make(map[uint32]*Record)}
}

// Observe lazily registers pid the first time it is seen performing a
// filesystem operation, inheriting bound_branch from ppid's record if one
// exists. A subsequent Observe for an already-known pid is a no-op.
func (r *Registry) Observe(pid, ppid, uid, gid uint32) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[pid]; ok {
		return rec
	}

	rec := &Record{Pid: pid, Ppid: ppid, Uid: uid, Gid: gid}
	if parent, ok := r.records[ppid]; ok {
		rec.BoundBranch = parent.BoundBranch
	}
	r.records[pid] = rec
	return rec
}

// Lookup returns pid's record without creating one.
func (r *Registry) Lookup(pid uint32) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[pid]
	if !ok {
		return Record{}, xerrors.New("registry", xerrors.NotFound, "no registry entry for pid %d", pid)
	}
	return *rec, nil
}

// Bind implements bind_process_to_branch: sets pid's bound branch,
// registering pid first if it hasn't been observed yet. Child processes
// spawned after this call inherit the binding via Observe.
func (r *Registry) Bind(pid uint32, branch types.BranchID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[pid]
	if !ok {
		rec = &Record{Pid: pid}
		r.records[pid] = rec
	}
	rec.BoundBranch = branch
}

// Forget removes pid's entry, called once the registry observes the
// process has exited (e.g. via a PR_SET_PDEATHSIG-style notification or
// adapter-side reaping, outside this package's scope).
func (r *Registry) Forget(pid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, pid)
}

// Count reports the number of tracked processes, mainly for tests and
// metrics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
