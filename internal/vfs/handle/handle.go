// Package handle implements the open-file/open-directory handle table of
// spec.md §4.D: a dense allocator with generation counters for fast stale
// handle rejection, share-mode conflict checks, per-inode advisory
// byte-range locks keyed by owning PID, and directory iterator cursors.
package handle

import (
	"sync"

	"github.com/agentfs/agentfs/internal/vfs/dirent"
	"github.com/agentfs/agentfs/internal/vfs/types"
	"github.com/agentfs/agentfs/internal/xerrors"
)

// AccessMode is the open-time access request.
type AccessMode int

const (
	AccessRead AccessMode = 1 << iota
	AccessWrite
	AccessAppend
	AccessTruncate
)

// ShareMode controls whether concurrent opens of the same inode conflict.
type ShareMode int

const (
	ShareNone ShareMode = iota // exclusive: no other open allowed
	ShareRead
	ShareWrite
	ShareReadWrite
	ShareDelete
)

// ID is a handle identifier: a dense slot index packed with a generation
// so a stale ID (slot reused after close) fails fast instead of silently
// addressing the wrong open file.
type ID struct {
	Slot uint32
	Gen  uint32
}

type lockRange struct {
	start, end int64 // [start, end)
	pid        uint32
}

func (r lockRange) overlaps(start, end int64) bool {
	return start < r.end && end > r.start
}

type openHandle struct {
	id       ID
	branch   types.BranchID
	inode    types.InodeNum
	pid      uint32
	access   AccessMode
	share    ShareMode
	position int64
	isDir    bool
	cursor   *DirCursor
	locks    []lockRange
}

// DirCursor snapshots a directory's sorted name set at first read so
// concurrent inserts/deletes don't perturb an in-progress listing
// (spec.md §4.D).
type DirCursor struct {
	names []string
	next  int
}

func (c *DirCursor) Next() (string, bool) {
	if c.next >= len(c.names) {
		return "", false
	}
	name := c.names[c.next]
	c.next++
	return name, true
}

type inodeState struct {
	mu    sync.Mutex
	opens []*openHandle
	locks []lockRange
	// unlinked marks an inode whose link count has reached zero while
	// handles are still open on it; its storage is reclaimed once opens
	// drains to zero instead of immediately, per spec.md §8's "existing
	// handles continue to read/write until closed" boundary behavior.
	unlinked bool
}

// Table is the per-daemon handle table.
type Table struct {
	mu    sync.Mutex
	slots []*openHandle // nil entries are free slots
	gens  []uint32
	free  []uint32
	byKey map[types.InodeRef]*inodeState
}

func New() *Table {
	return &Table{byKey: make(map[types.InodeRef]*inodeState)}
}

func (t *Table) stateFor(ref types.InodeRef) *inodeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byKey[ref]
	if !ok {
		s = &inodeState{}
		t.byKey[ref] = s
	}
	return s
}

// shareCompatible reports whether an open under mode is compatible with
// every already-open handle's share mode on the same inode. A new
// exclusive-write open (share=ShareNone) always conflicts if any handle is
// already open; existing shared opens only conflict with an incompatible
// new mode.
func shareCompatible(existingModes []ShareMode, requested ShareMode) bool {
	for _, m := range existingModes {
		if m == ShareNone || requested == ShareNone {
			return false
		}
		if m != requested && m != ShareReadWrite && requested != ShareReadWrite {
			return false
		}
	}
	return true
}

// Open allocates a new handle for (branch, inode), failing access_denied on
// a share-mode conflict with an already-open handle.
func (t *Table) Open(branch types.BranchID, ino types.InodeNum, pid uint32, access AccessMode, share ShareMode, isDir bool) (ID, error) {
	ref := types.InodeRef{Branch: branch, Inode: ino}
	state := t.stateFor(ref)

	state.mu.Lock()
	defer state.mu.Unlock()

	existing := make([]ShareMode, 0, len(state.opens))
	for _, h := range state.opens {
		existing = append(existing, h.share)
	}
	if !shareCompatible(existing, share) {
		return ID{}, xerrors.New("handle", xerrors.AccessDenied, "share mode conflict on inode %d", ino)
	}

	h := &openHandle{branch: branch, inode: ino, pid: pid, access: access, share: share, isDir: isDir}

	t.mu.Lock()
	id := t.allocateSlot(h)
	t.mu.Unlock()

	h.id = id
	state.opens = append(state.opens, h)
	return id, nil
}

func (t *Table) allocateSlot(h *openHandle) ID {
	if n := len(t.free); n > 0 {
		slot := t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[slot] = h
		return ID{Slot: slot, Gen: t.gens[slot]}
	}
	slot := uint32(len(t.slots))
	t.slots = append(t.slots, h)
	t.gens = append(t.gens, 0)
	return ID{Slot: slot, Gen: 0}
}

func (t *Table) lookup(id ID) (*openHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id.Slot) >= len(t.slots) {
		return nil, xerrors.New("handle", xerrors.InvalidArgument, "stale handle %v", id)
	}
	h := t.slots[id.Slot]
	if h == nil || t.gens[id.Slot] != id.Gen {
		return nil, xerrors.New("handle", xerrors.InvalidArgument, "stale handle %v", id)
	}
	return h, nil
}

// Locate reports the branch, inode and directory-ness addressed by id, so
// a caller (the engine) can route Read/Write/ReadDir without the handle
// table needing to know about page stores or directory indexes itself.
func (t *Table) Locate(id ID) (types.BranchID, types.InodeNum, bool, error) {
	h, err := t.lookup(id)
	if err != nil {
		return "", 0, false, err
	}
	return h.branch, h.inode, h.isDir, nil
}

// Close releases id, dropping its byte-range locks and bumping the slot's
// generation so any retained copy of id fails lookup. The returned bool
// reports whether id was the last open handle on an inode MarkUnlinked had
// already marked for reclamation, telling the caller to discard its
// page-store content now.
func (t *Table) Close(id ID) (bool, error) {
	h, err := t.lookup(id)
	if err != nil {
		return false, err
	}
	ref := types.InodeRef{Branch: h.branch, Inode: h.inode}
	state := t.stateFor(ref)
	state.mu.Lock()
	for i, o := range state.opens {
		if o == h {
			state.opens = append(state.opens[:i], state.opens[i+1:]...)
			break
		}
	}
	for _, l := range h.locks {
		state.locks = removeOneLockRange(state.locks, l)
	}
	h.locks = nil
	reclaim := state.unlinked && len(state.opens) == 0
	state.mu.Unlock()

	t.mu.Lock()
	t.slots[id.Slot] = nil
	t.gens[id.Slot]++
	t.free = append(t.free, id.Slot)
	t.mu.Unlock()
	return reclaim, nil
}

// MarkUnlinked records that branch/inode's link count has reached zero.
// It returns true if no handle is currently open on it, meaning the caller
// should reclaim its page-store content immediately; otherwise reclamation
// is deferred to whichever Close drains the last remaining handle.
func (t *Table) MarkUnlinked(branch types.BranchID, inode types.InodeNum) bool {
	ref := types.InodeRef{Branch: branch, Inode: inode}
	state := t.stateFor(ref)
	state.mu.Lock()
	defer state.mu.Unlock()
	state.unlinked = true
	return len(state.opens) == 0
}

// CloseAllForPID releases every handle owned by pid, the cleanup path for
// process exit (spec.md §4.D: "locks are released on close and on process
// exit"). It returns the inodes that became reclaimable as a result, for
// the caller to discard from the page store.
func (t *Table) CloseAllForPID(pid uint32) []types.InodeRef {
	t.mu.Lock()
	var toClose []ID
	for slot, h := range t.slots {
		if h != nil && h.pid == pid {
			toClose = append(toClose, ID{Slot: uint32(slot), Gen: t.gens[slot]})
		}
	}
	t.mu.Unlock()

	var reclaimed []types.InodeRef
	for _, id := range toClose {
		h, err := t.lookup(id)
		if err != nil {
			continue
		}
		ref := types.InodeRef{Branch: h.branch, Inode: h.inode}
		if reclaim, _ := t.Close(id); reclaim {
			reclaimed = append(reclaimed, ref)
		}
	}
	return reclaimed
}

// SetPosition/Position track a seekable handle's file offset for adapters
// that don't track it themselves.
func (t *Table) SetPosition(id ID, pos int64) error {
	h, err := t.lookup(id)
	if err != nil {
		return err
	}
	h.position = pos
	return nil
}

func (t *Table) Position(id ID) (int64, error) {
	h, err := t.lookup(id)
	if err != nil {
		return 0, err
	}
	return h.position, nil
}

// InitDirCursor sorts names with dirent.SortedNames and snapshots them into
// id's cursor on first directory read; later calls keep the first snapshot.
func (t *Table) InitDirCursor(id ID, names []string) error {
	h, err := t.lookup(id)
	if err != nil {
		return err
	}
	if !h.isDir {
		return xerrors.New("handle", xerrors.NotADirectory, "handle %v is not a directory handle", id)
	}
	if h.cursor == nil {
		h.cursor = &DirCursor{names: dirent.SortedNames(names)}
	}
	return nil
}

func (t *Table) ReadDir(id ID) (string, bool, error) {
	h, err := t.lookup(id)
	if err != nil {
		return "", false, err
	}
	if h.cursor == nil {
		return "", false, xerrors.New("handle", xerrors.InvalidArgument, "directory cursor not initialized")
	}
	name, ok := h.cursor.Next()
	return name, ok, nil
}

// Lock attempts to acquire an advisory byte-range lock [start, end) on
// behalf of pid. Acquisition is non-blocking: a conflicting lock from a
// different PID returns would_block immediately (spec.md §4.D).
func (t *Table) Lock(id ID, start, end int64) error {
	h, err := t.lookup(id)
	if err != nil {
		return err
	}
	ref := types.InodeRef{Branch: h.branch, Inode: h.inode}
	state := t.stateFor(ref)
	state.mu.Lock()
	defer state.mu.Unlock()

	for _, l := range state.locks {
		if l.pid != h.pid && l.overlaps(start, end) {
			return xerrors.New("handle", xerrors.WouldBlock, "byte range [%d,%d) locked by another process", start, end)
		}
	}
	state.locks = append(state.locks, lockRange{start: start, end: end, pid: h.pid})
	h.locks = append(h.locks, lockRange{start: start, end: end, pid: h.pid})
	return nil
}

// removeOneLockRange removes the first occurrence of target from locks,
// leaving the rest untouched so distinct handles holding identical
// (pid, start, end) ranges don't clobber each other's entries.
func removeOneLockRange(locks []lockRange, target lockRange) []lockRange {
	for i, l := range locks {
		if l == target {
			return append(locks[:i], locks[i+1:]...)
		}
	}
	return locks
}

// Unlock releases the advisory lock matching [start, end) held by id's
// owning PID.
func (t *Table) Unlock(id ID, start, end int64) error {
	h, err := t.lookup(id)
	if err != nil {
		return err
	}
	ref := types.InodeRef{Branch: h.branch, Inode: h.inode}
	state := t.stateFor(ref)
	state.mu.Lock()
	defer state.mu.Unlock()

	removeLock := func(locks []lockRange) []lockRange {
		out := locks[:0]
		for _, l := range locks {
			if l.pid == h.pid && l.start == start && l.end == end {
				continue
			}
			out = append(out, l)
		}
		return out
	}
	state.locks = removeLock(state.locks)
	h.locks = removeLock(h.locks)
	return nil
}
