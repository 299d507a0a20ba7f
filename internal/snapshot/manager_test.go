package snapshot

import (
	"testing"

	"github.com/agentfs/agentfs/internal/vfs/dirent"
	"github.com/agentfs/agentfs/internal/vfs/inode"
	"github.com/agentfs/agentfs/internal/vfs/store"
	"github.com/agentfs/agentfs/internal/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) *Manager {
	t.Helper()
	st := store.New(store.NewInMemoryBackend(), 16)
	inodes := inode.New()
	dirs := dirent.New()
	return New(t.TempDir(), st, inodes, dirs)
}

func TestInitRootBranchRegistersLayer(t *testing.T) {
	m := newFixture(t)
	branch := m.InitRootBranch("root")

	found := false
	for _, b := range m.BranchList() {
		if b.ID == branch {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSnapshotCreateFreezesAndRebasesBranch(t *testing.T) {
	m := newFixture(t)
	branch := m.InitRootBranch("main")

	snapID, err := m.SnapshotCreate(branch, "v1")
	require.NoError(t, err)

	snaps := m.SnapshotList()
	require.Len(t, snaps, 1)
	assert.Equal(t, snapID, snaps[0].ID)
	assert.Equal(t, branch, snaps[0].ParentBranch)

	// The branch identity is preserved, but its underlying layer changed.
	newLayer := m.ResolveLayer(branch)
	assert.NotEqual(t, branch, newLayer)
}

func TestBranchCreateFromSnapshot(t *testing.T) {
	m := newFixture(t)
	branch := m.InitRootBranch("main")
	snapID, err := m.SnapshotCreate(branch, "v1")
	require.NoError(t, err)

	child, err := m.BranchCreateFromSnapshot(snapID, "feature")
	require.NoError(t, err)

	var found BranchInfo
	for _, b := range m.BranchList() {
		if b.ID == child {
			found = b
		}
	}
	assert.Equal(t, snapID, found.ParentSnapshot)
}

func TestBranchCreateFromUnknownSnapshotFails(t *testing.T) {
	m := newFixture(t)
	_, err := m.BranchCreateFromSnapshot("nonexistent", "x")
	require.Error(t, err)
	assert.Equal(t, xerrors.NotFound, xerrors.CodeOf(err))
}

func TestSnapshotExportAndRelease(t *testing.T) {
	m := newFixture(t)
	branch := m.InitRootBranch("main")
	snapID, err := m.SnapshotCreate(branch, "v1")
	require.NoError(t, err)

	path, token, err := m.SnapshotExport(snapID)
	require.NoError(t, err)
	assert.NotEmpty(t, path)
	assert.NotEmpty(t, token)

	require.NoError(t, m.SnapshotExportRelease(token))

	err = m.SnapshotExportRelease(token)
	require.Error(t, err)
	assert.Equal(t, xerrors.NotFound, xerrors.CodeOf(err))
}

func TestSnapshotExportDedupsConcurrentCallsToSamePath(t *testing.T) {
	m := newFixture(t)
	branch := m.InitRootBranch("main")
	snapID, err := m.SnapshotCreate(branch, "v1")
	require.NoError(t, err)

	path1, token1, err := m.SnapshotExport(snapID)
	require.NoError(t, err)
	path2, token2, err := m.SnapshotExport(snapID)
	require.NoError(t, err)

	assert.Equal(t, path1, path2)
	assert.NotEqual(t, token1, token2)
}

func TestSnapshotDestroyFailsIfBranchDependsOnIt(t *testing.T) {
	m := newFixture(t)
	branch := m.InitRootBranch("main")
	snapID, err := m.SnapshotCreate(branch, "v1")
	require.NoError(t, err)
	_, err = m.BranchCreateFromSnapshot(snapID, "feature")
	require.NoError(t, err)

	err = m.SnapshotDestroy(snapID)
	require.Error(t, err)
	assert.Equal(t, xerrors.Busy, xerrors.CodeOf(err))
}

func TestSnapshotDestroyFailsWithLiveLease(t *testing.T) {
	m := newFixture(t)
	branch := m.InitRootBranch("main")
	snapID, err := m.SnapshotCreate(branch, "v1")
	require.NoError(t, err)
	_, _, err = m.SnapshotExport(snapID)
	require.NoError(t, err)

	err = m.SnapshotDestroy(snapID)
	require.Error(t, err)
	assert.Equal(t, xerrors.Busy, xerrors.CodeOf(err))
}

func TestGCSweepReclaimsUnreferencedSnapshot(t *testing.T) {
	m := newFixture(t)
	branch := m.InitRootBranch("main")
	snapID, err := m.SnapshotCreate(branch, "v1")
	require.NoError(t, err)
	// Destroy the only branch referencing it so GC can reclaim.
	require.NoError(t, m.BranchDestroy(branch))

	reclaimed := m.GCSweep()
	assert.Contains(t, reclaimed, snapID)
	assert.Empty(t, m.SnapshotList())
}

func TestGCSweepSkipsReferencedSnapshot(t *testing.T) {
	m := newFixture(t)
	branch := m.InitRootBranch("main")
	snapID, err := m.SnapshotCreate(branch, "v1")
	require.NoError(t, err)

	reclaimed := m.GCSweep()
	assert.NotContains(t, reclaimed, snapID)
}

func TestBranchDestroyRemovesBranch(t *testing.T) {
	m := newFixture(t)
	branch := m.InitRootBranch("main")

	require.NoError(t, m.BranchDestroy(branch))
	assert.Empty(t, m.BranchList())
}
