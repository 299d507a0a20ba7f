// Package store implements the page/extent store of spec.md §4.A: a mapping
// from (layer, inode) to a sorted set of fixed-size page extents, backed by
// a pluggable Backend. Its read/write/truncate contract is grounded on
// mutable.Content's ReadAt/WriteAt/Truncate/Destroy shape (see
// BanzaiMan-gcsfuse/mutable/content.go), generalized from one mutable file
// to many layered, copy-on-write inodes.
package store

import (
	"context"
	"sync"

	"github.com/agentfs/agentfs/internal/vfs/types"
	"github.com/agentfs/agentfs/internal/xerrors"
)

// LayerID names either a branch or a snapshot; both share one page
// namespace so a branch's read path can walk up through frozen snapshot
// ancestors without the store needing to know which is which.
type LayerID string

// extentKey identifies one fixed-size page of one inode within one layer.
type extentKey struct {
	Layer types.BranchID
	Inode types.InodeNum
	Page  uint64
}

// Backend stores raw page bytes. Implementations need not be safe for
// concurrent use from outside Store, which serializes access itself.
type Backend interface {
	Read(key extentKey) ([]byte, bool)
	Write(key extentKey, data []byte)
	Delete(key extentKey)
	// DeleteLayer drops every page belonging to layer, used by discard on
	// branch/snapshot teardown.
	DeleteLayer(layer types.BranchID)
}

type layerState struct {
	parent types.BranchID // "" for a root layer
	frozen bool
	// size tracks each inode's declared length within this layer so reads
	// stop at EOF (0 bytes read past it) instead of returning zero-filled
	// bytes.
	sizes map[types.InodeNum]uint64
	pages map[types.InodeNum]map[uint64]bool // which pages this layer owns for an inode
}

func newLayerState(parent types.BranchID) *layerState {
	return &layerState{
		parent: parent,
		sizes:  make(map[types.InodeNum]uint64),
		pages:  make(map[types.InodeNum]map[uint64]bool),
	}
}

// Store is the page/extent store for one daemon instance.
type Store struct {
	mu       sync.RWMutex
	backend  Backend
	pageSize int
	layers   map[types.BranchID]*layerState
	// inodeLocks serializes writers per (layer, inode) while leaving reads
	// lock-free per spec.md §5 point 4 (COW guarantees stable bytes for
	// existing readers).
	inodeLocks map[extentKey]*sync.Mutex
}

func New(backend Backend, pageSizeBytes int) *Store {
	return &Store{
		backend:    backend,
		pageSize:   pageSizeBytes,
		layers:     make(map[types.BranchID]*layerState),
		inodeLocks: make(map[extentKey]*sync.Mutex),
	}
}

// NewLayer registers a fresh, empty, writable layer. parent may be "" for a
// root layer (the repository's initial branch).
func (s *Store) NewLayer(id types.BranchID, parent types.BranchID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers[id] = newLayerState(parent)
}

// Freeze marks a layer immutable, the way snapshot_create turns the current
// branch layer into a snapshot before a new writable branch layer is
// stacked on top of it.
func (s *Store) Freeze(id types.BranchID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.layers[id]
	if !ok {
		return xerrors.New("store", xerrors.NotFound, "unknown layer")
	}
	l.frozen = true
	return nil
}

// DestroyLayer removes a layer and all bytes it owns. Callers (the snapshot
// manager) are responsible for verifying nothing still references it.
func (s *Store) DestroyLayer(id types.BranchID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.layers, id)
	s.backend.DeleteLayer(id)
}

func (s *Store) chain(id types.BranchID) []*layerState {
	var chain []*layerState
	cur := id
	for {
		l, ok := s.layers[cur]
		if !ok {
			break
		}
		chain = append(chain, l)
		if l.parent == "" {
			break
		}
		cur = l.parent
	}
	return chain
}

func (s *Store) lockFor(layer types.BranchID, inode types.InodeNum) *sync.Mutex {
	key := extentKey{Layer: layer, Inode: inode}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.inodeLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.inodeLocks[key] = m
	}
	return m
}

// Size returns the declared length of inode as visible from layer,
// inherited from the nearest ancestor layer that has written to it.
func (s *Store) Size(layer types.BranchID, inode types.InodeNum) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.chain(layer) {
		if sz, ok := l.sizes[inode]; ok {
			return sz, true
		}
	}
	return 0, false
}

// Read returns up to len(buf) bytes starting at offset, zero-filling gaps
// within the declared size and stopping at EOF, per spec.md §4.A.
func (s *Store) Read(ctx context.Context, layer types.BranchID, inode types.InodeNum, buf []byte, offset int64) (int, error) {
	s.mu.RLock()
	chain := s.chain(layer)
	s.mu.RUnlock()

	var size uint64
	found := false
	for _, l := range chain {
		if sz, ok := l.sizes[inode]; ok {
			size = sz
			found = true
			break
		}
	}
	if !found {
		return 0, xerrors.New("store", xerrors.NotFound, "inode has no declared size in any layer")
	}
	if uint64(offset) >= size {
		return 0, nil
	}
	want := len(buf)
	if uint64(offset)+uint64(want) > size {
		want = int(size - uint64(offset))
	}

	read := 0
	for read < want {
		pos := offset + int64(read)
		page := uint64(pos) / uint64(s.pageSize)
		pageOff := int(uint64(pos) % uint64(s.pageSize))
		n := s.pageSize - pageOff
		if n > want-read {
			n = want - read
		}

		data := s.readPage(chain, inode, page)
		if data == nil {
			// Declared-but-unwritten region: zero-fill.
			for i := 0; i < n; i++ {
				buf[read+i] = 0
			}
		} else {
			copy(buf[read:read+n], data[pageOff:pageOff+n])
		}
		read += n
	}
	return read, nil
}

func (s *Store) readPage(chain []*layerState, inode types.InodeNum, page uint64) []byte {
	for _, l := range chain {
		owned, ok := l.pages[inode]
		if !ok || !owned[page] {
			continue
		}
		key := extentKey{Layer: s.layerIDOf(l), Inode: inode, Page: page}
		if data, ok := s.backend.Read(key); ok {
			return data
		}
	}
	return nil
}

// layerIDOf is a small inverse lookup; layers are few relative to pages so a
// linear scan under the read lock is acceptable.
func (s *Store) layerIDOf(target *layerState) types.BranchID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, l := range s.layers {
		if l == target {
			return id
		}
	}
	return ""
}

// Write materializes bytes into layer's own pages (copy-on-write), copying
// any inherited parent page into the branch layer before mutating it.
// Appends are serialized per-inode via lockFor, satisfying §5's per-inode
// extent-lock discipline.
func (s *Store) Write(ctx context.Context, layer types.BranchID, inode types.InodeNum, buf []byte, offset int64) (int, error) {
	lock := s.lockFor(layer, inode)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	l, ok := s.layers[layer]
	if !ok {
		s.mu.Unlock()
		return 0, xerrors.New("store", xerrors.NotFound, "unknown layer")
	}
	if l.frozen {
		s.mu.Unlock()
		return 0, xerrors.New("store", xerrors.AccessDenied, "layer is frozen")
	}
	chain := s.chain(layer)
	s.mu.Unlock()

	written := 0
	for written < len(buf) {
		pos := offset + int64(written)
		page := uint64(pos) / uint64(s.pageSize)
		pageOff := int(uint64(pos) % uint64(s.pageSize))
		n := s.pageSize - pageOff
		if n > len(buf)-written {
			n = len(buf) - written
		}

		cur := s.materializePage(l, chain, inode, page)
		copy(cur[pageOff:pageOff+n], buf[written:written+n])
		s.backend.Write(extentKey{Layer: layer, Inode: inode, Page: page}, cur)

		written += n
	}

	s.mu.Lock()
	newSize := uint64(offset) + uint64(written)
	for _, cl := range chain {
		if sz, ok := cl.sizes[inode]; ok {
			if sz > newSize {
				newSize = sz
			}
			break
		}
	}
	l.sizes[inode] = newSize
	s.mu.Unlock()

	return written, nil
}

// materializePage returns layer's own copy of inode's page, copying it down
// from the nearest ancestor that has it (or zero-filling) if layer doesn't
// already own it.
func (s *Store) materializePage(l *layerState, chain []*layerState, inode types.InodeNum, page uint64) []byte {
	s.mu.Lock()
	owned, ok := l.pages[inode]
	if !ok {
		owned = make(map[uint64]bool)
		l.pages[inode] = owned
	}
	alreadyOwned := owned[page]
	s.mu.Unlock()

	if alreadyOwned {
		if data, ok := s.backend.Read(extentKey{Layer: s.layerIDFor(l), Inode: inode, Page: page}); ok {
			buf := make([]byte, s.pageSize)
			copy(buf, data)
			return buf
		}
	}

	buf := make([]byte, s.pageSize)
	// chain[0] is layer itself; look past it for an inherited page.
	for _, anc := range chain[1:] {
		ancOwned, ok := anc.pages[inode]
		if !ok || !ancOwned[page] {
			continue
		}
		if data, ok := s.backend.Read(extentKey{Layer: s.layerIDFor(anc), Inode: inode, Page: page}); ok {
			copy(buf, data)
			break
		}
	}

	s.mu.Lock()
	owned[page] = true
	s.mu.Unlock()
	return buf
}

func (s *Store) layerIDFor(l *layerState) types.BranchID {
	return s.layerIDOf(l)
}

// Truncate sets inode's declared size within layer, dropping pages beyond
// the new size on shrink.
func (s *Store) Truncate(ctx context.Context, layer types.BranchID, inode types.InodeNum, newSize uint64) error {
	lock := s.lockFor(layer, inode)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.layers[layer]
	if !ok {
		return xerrors.New("store", xerrors.NotFound, "unknown layer")
	}
	if l.frozen {
		return xerrors.New("store", xerrors.AccessDenied, "layer is frozen")
	}

	oldSize, _ := l.sizes[inode]
	l.sizes[inode] = newSize
	if newSize >= oldSize {
		return nil
	}

	firstDropped := (newSize + uint64(s.pageSize) - 1) / uint64(s.pageSize)
	owned := l.pages[inode]
	for page := range owned {
		if page >= firstDropped {
			s.backend.Delete(extentKey{Layer: layer, Inode: inode, Page: page})
			delete(owned, page)
		}
	}
	return nil
}

// Discard drops every page layer owns for inode, called when nlink reaches
// zero with no open handles (spec.md §4.A).
func (s *Store) Discard(ctx context.Context, layer types.BranchID, inode types.InodeNum) error {
	lock := s.lockFor(layer, inode)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.layers[layer]
	if !ok {
		return xerrors.New("store", xerrors.NotFound, "unknown layer")
	}
	owned := l.pages[inode]
	for page := range owned {
		s.backend.Delete(extentKey{Layer: layer, Inode: inode, Page: page})
	}
	delete(l.pages, inode)
	delete(l.sizes, inode)
	return nil
}
