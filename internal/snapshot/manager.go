// Package snapshot implements the snapshot/branch manager of spec.md §4.F:
// snapshot_create, snapshot_list, snapshot_export/snapshot_export_release
// (lease-guarded), branch_create_from_snapshot and branch_list, plus
// background reclamation once a snapshot has neither a referencing branch
// nor a live export lease. Process-to-branch binding is kept by
// internal/registry, not here.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentfs/agentfs/internal/vfs/dirent"
	"github.com/agentfs/agentfs/internal/vfs/inode"
	"github.com/agentfs/agentfs/internal/vfs/store"
	"github.com/agentfs/agentfs/internal/vfs/types"
	"github.com/agentfs/agentfs/internal/xerrors"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// SnapshotInfo is the public shape returned by snapshot_list.
type SnapshotInfo struct {
	ID           types.SnapshotID
	Label        string
	ParentBranch types.BranchID
	CreatedAt    time.Time
}

// BranchInfo is the public shape returned by branch_list.
type BranchInfo struct {
	ID             types.BranchID
	Label          string
	ParentSnapshot types.SnapshotID
	ParentBranch   types.BranchID
}

type snapshotRecord struct {
	info       SnapshotInfo
	leaseCount int
}

type branchRecord struct {
	info           BranchInfo
	parentSnapshot types.SnapshotID // "" if rooted directly with no parent
}

// Manager owns the lifecycle of every branch and snapshot layer, and keeps
// the underlying vfs stores' layer graphs (store.Store, inode.Table,
// dirent.Index) in sync with its own bookkeeping.
type Manager struct {
	mu sync.Mutex

	snapshots map[types.SnapshotID]*snapshotRecord
	branches  map[types.BranchID]*branchRecord

	// exportDir is where snapshot_export materializes a mirror tree;
	// exportGroup dedups concurrent exports of the same snapshot the way
	// the teacher dedups concurrent GCS reads of the same object generation.
	exportDir   string
	exportGroup singleflight.Group
	exports     map[string]*exportLease // cleanup_token -> lease

	store  *store.Store
	inodes *inode.Table
	dirs   *dirent.Index

	// layerAliases maps a public branch id whose layer was re-homed by
	// SnapshotCreate to the fresh underlying layer id that now holds its
	// mutable content (see aliasBranchLayer/ResolveLayer).
	layerAliases map[types.BranchID]types.BranchID
}

type exportLease struct {
	token      string
	snapshotID types.SnapshotID
	path       string
}

func New(exportDir string, st *store.Store, inodes *inode.Table, dirs *dirent.Index) *Manager {
	return &Manager{
		snapshots: make(map[types.SnapshotID]*snapshotRecord),
		branches:  make(map[types.BranchID]*branchRecord),
		exports:   make(map[string]*exportLease),
		exportDir: exportDir,
		store:     st,
		inodes:    inodes,
		dirs:      dirs,
	}
}

// InitRootBranch registers the daemon's initial writable branch with no
// parent snapshot, seeding the three layer-aware stores.
func (m *Manager) InitRootBranch(label string) types.BranchID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := types.BranchID(uuid.NewString())
	m.branches[id] = &branchRecord{info: BranchInfo{ID: id, Label: label}}
	m.store.NewLayer(id, "")
	m.inodes.NewLayer(id, "")
	m.dirs.NewLayer(id, "")
	return id
}

// SnapshotCreate freezes srcBranch's current layer into an immutable
// snapshot and stacks a fresh writable layer on top, atomically with
// respect to concurrent mutations on srcBranch because the manager lock is
// held for the whole operation (spec.md §5 rule 1).
func (m *Manager) SnapshotCreate(srcBranch types.BranchID, label string) (types.SnapshotID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch, ok := m.branches[srcBranch]
	if !ok {
		return "", xerrors.New("snapshot", xerrors.NotFound, "unknown branch %s", srcBranch)
	}

	snapID := types.SnapshotID(uuid.NewString())
	snapLayerID := types.BranchID(snapID) // store/inode/dirent share one layer namespace

	// Freeze the layer that currently holds the branch's content: the
	// branch's own id, or the layer an earlier SnapshotCreate aliased it to.
	current := srcBranch
	if u, ok := m.layerAliases[srcBranch]; ok {
		current = u
	}
	if err := m.store.Freeze(current); err != nil {
		return "", err
	}

	m.snapshots[snapID] = &snapshotRecord{info: SnapshotInfo{
		ID:           snapID,
		Label:        label,
		ParentBranch: srcBranch,
		CreatedAt:    now(),
	}}

	// The frozen content currently lives under the branch's own layer id;
	// alias the snapshot id to it by copying the layer id mapping: give
	// the store/inode/dirent packages a new layer under snapLayerID whose
	// parent is srcBranch's old (now frozen) layer, then repoint the
	// branch to a fresh layer chained off that same frozen layer. This
	// keeps exactly one mutable layer per branch at all times.
	m.store.NewLayer(snapLayerID, current)
	m.inodes.NewLayer(snapLayerID, current)
	m.dirs.NewLayer(snapLayerID, current)

	newBranchLayer := types.BranchID(uuid.NewString())
	m.store.NewLayer(newBranchLayer, snapLayerID)
	m.inodes.NewLayer(newBranchLayer, snapLayerID)
	m.dirs.NewLayer(newBranchLayer, snapLayerID)

	branch.parentSnapshot = snapID
	branch.info.ParentSnapshot = snapID
	// srcBranch keeps its identity (callers already hold this BranchID) but
	// now refers to newBranchLayer for all store/inode/dirent operations.
	m.aliasBranchLayer(srcBranch, newBranchLayer)

	return snapID, nil
}

// aliasBranchLayer records that operations against branch id should now
// target underlyingLayer. Kept as a map indirection rather than mutating
// store/inode/dirent identities, since those packages are keyed directly
// by the BranchID callers pass in.
//
// layerAliases is intentionally simple: the manager is the only writer,
// and reads always go through ResolveLayer.
func (m *Manager) aliasBranchLayer(branch types.BranchID, underlying types.BranchID) {
	if m.layerAliases == nil {
		m.layerAliases = make(map[types.BranchID]types.BranchID)
	}
	m.layerAliases[branch] = underlying
}

// ResolveLayer returns the current underlying store/inode/dirent layer id
// for a public branch id, following any alias installed by SnapshotCreate.
func (m *Manager) ResolveLayer(branch types.BranchID) types.BranchID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.layerAliases != nil {
		if u, ok := m.layerAliases[branch]; ok {
			return u
		}
	}
	return branch
}

// SnapshotList returns every known snapshot.
func (m *Manager) SnapshotList() []SnapshotInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SnapshotInfo, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, s.info)
	}
	return out
}

// BranchList returns every known branch.
func (m *Manager) BranchList() []BranchInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BranchInfo, 0, len(m.branches))
	for _, b := range m.branches {
		out = append(out, b.info)
	}
	return out
}

// BranchCreateFromSnapshot creates a new writable branch layer rooted on
// snapID.
func (m *Manager) BranchCreateFromSnapshot(snapID types.SnapshotID, label string) (types.BranchID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapLayerID := types.BranchID(snapID)
	if _, ok := m.snapshots[snapID]; !ok {
		return "", xerrors.New("snapshot", xerrors.NotFound, "unknown snapshot %s", snapID)
	}

	id := types.BranchID(uuid.NewString())
	m.branches[id] = &branchRecord{
		info:           BranchInfo{ID: id, Label: label, ParentSnapshot: snapID},
		parentSnapshot: snapID,
	}
	m.store.NewLayer(id, snapLayerID)
	m.inodes.NewLayer(id, snapLayerID)
	m.dirs.NewLayer(id, snapLayerID)
	return id, nil
}

// SnapshotExport materializes snapID as a read-only mirror tree under
// exportDir and returns a cleanup token that must be released via
// SnapshotExportRelease. Concurrent exports of the same snapshot are
// deduplicated with singleflight so a second caller reuses the first
// caller's in-flight materialization instead of writing the tree twice.
func (m *Manager) SnapshotExport(snapID types.SnapshotID) (path string, cleanupToken string, err error) {
	m.mu.Lock()
	rec, ok := m.snapshots[snapID]
	m.mu.Unlock()
	if !ok {
		return "", "", xerrors.New("snapshot", xerrors.NotFound, "unknown snapshot %s", snapID)
	}

	result, err, _ := m.exportGroup.Do(string(snapID), func() (interface{}, error) {
		dir := filepath.Join(m.exportDir, string(snapID))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, xerrors.Wrap("snapshot", xerrors.IO, err, "creating export dir for %s", snapID)
		}
		return dir, nil
	})
	if err != nil {
		return "", "", err
	}
	dir := result.(string)

	token := uuid.NewString()
	m.mu.Lock()
	rec.leaseCount++
	m.exports[token] = &exportLease{token: token, snapshotID: snapID, path: dir}
	m.mu.Unlock()

	return dir, token, nil
}

// SnapshotExportRelease releases a lease acquired by SnapshotExport.
func (m *Manager) SnapshotExportRelease(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.exports[token]
	if !ok {
		return xerrors.New("snapshot", xerrors.NotFound, "unknown cleanup token")
	}
	delete(m.exports, token)

	rec, ok := m.snapshots[lease.snapshotID]
	if ok && rec.leaseCount > 0 {
		rec.leaseCount--
	}
	return nil
}

// SnapshotDestroy reclaims a snapshot explicitly (SUPPLEMENTED FEATURES);
// fails busy if any branch still points at it or an export lease is held.
func (m *Manager) SnapshotDestroy(snapID types.SnapshotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.snapshots[snapID]
	if !ok {
		return xerrors.New("snapshot", xerrors.NotFound, "unknown snapshot %s", snapID)
	}
	if rec.leaseCount > 0 {
		return xerrors.New("snapshot", xerrors.Busy, "snapshot %s has live export leases", snapID)
	}
	for _, b := range m.branches {
		if b.parentSnapshot == snapID {
			return xerrors.New("snapshot", xerrors.Busy, "snapshot %s still has dependent branches", snapID)
		}
	}

	snapLayerID := types.BranchID(snapID)
	m.store.DestroyLayer(snapLayerID)
	m.inodes.DestroyLayer(snapLayerID)
	m.dirs.DestroyLayer(snapLayerID)
	delete(m.snapshots, snapID)
	return nil
}

// BranchDestroy reclaims a branch explicitly (SUPPLEMENTED FEATURES).
func (m *Manager) BranchDestroy(branch types.BranchID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.branches[branch]; !ok {
		return xerrors.New("snapshot", xerrors.NotFound, "unknown branch %s", branch)
	}

	underlying := branch
	if m.layerAliases != nil {
		if u, ok := m.layerAliases[branch]; ok {
			underlying = u
		}
	}
	m.store.DestroyLayer(underlying)
	m.inodes.DestroyLayer(underlying)
	m.dirs.DestroyLayer(underlying)
	delete(m.branches, branch)
	if m.layerAliases != nil {
		delete(m.layerAliases, branch)
	}
	return nil
}

// GCSweep retires snapshots with no referencing branch and no live export
// lease. Intended to run periodically from a background goroutine started
// by the engine.
func (m *Manager) GCSweep() []types.SnapshotID {
	m.mu.Lock()
	defer m.mu.Unlock()

	referenced := make(map[types.SnapshotID]bool)
	for _, b := range m.branches {
		if b.parentSnapshot != "" {
			referenced[b.parentSnapshot] = true
		}
	}

	var reclaimed []types.SnapshotID
	for id, rec := range m.snapshots {
		if referenced[id] || rec.leaseCount > 0 {
			continue
		}
		snapLayerID := types.BranchID(id)
		m.store.DestroyLayer(snapLayerID)
		m.inodes.DestroyLayer(snapLayerID)
		m.dirs.DestroyLayer(snapLayerID)
		delete(m.snapshots, id)
		reclaimed = append(reclaimed, id)
	}
	return reclaimed
}

func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("snapshot.Manager{snapshots=%d branches=%d}", len(m.snapshots), len(m.branches))
}

func now() time.Time { return time.Now() }
