package dirent

import (
	"testing"

	"github.com/agentfs/agentfs/internal/vfs/types"
	"github.com/agentfs/agentfs/internal/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertLookupRemove(t *testing.T) {
	ix := New()
	ix.NewLayer("root", "")
	require.NoError(t, ix.MakeDirectory("root", 1))

	require.NoError(t, ix.Insert("root", 1, "a.txt", 2))
	got, err := ix.Lookup("root", 1, "a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got)

	child, err := ix.Remove("root", 1, "a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 2, child)

	_, err = ix.Lookup("root", 1, "a.txt")
	require.Error(t, err)
	assert.Equal(t, xerrors.NotFound, xerrors.CodeOf(err))
}

func TestInsertDuplicateIsAlreadyExists(t *testing.T) {
	ix := New()
	ix.NewLayer("root", "")
	require.NoError(t, ix.MakeDirectory("root", 1))
	require.NoError(t, ix.Insert("root", 1, "a", 2))

	err := ix.Insert("root", 1, "a", 3)
	require.Error(t, err)
	assert.Equal(t, xerrors.AlreadyExists, xerrors.CodeOf(err))
}

func TestListPreservesInsertionOrder(t *testing.T) {
	ix := New()
	ix.NewLayer("root", "")
	require.NoError(t, ix.MakeDirectory("root", 1))
	require.NoError(t, ix.Insert("root", 1, "z", 2))
	require.NoError(t, ix.Insert("root", 1, "a", 3))

	names, err := ix.List("root", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a"}, names)
}

func TestBranchInheritsDirectoryFromSnapshot(t *testing.T) {
	ix := New()
	ix.NewLayer("snap1", "")
	require.NoError(t, ix.MakeDirectory("snap1", 1))
	require.NoError(t, ix.Insert("snap1", 1, "a", 2))

	ix.NewLayer("branch1", "snap1")
	got, err := ix.Lookup("branch1", 1, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got)
}

func TestBranchInsertDoesNotMutateSnapshot(t *testing.T) {
	ix := New()
	ix.NewLayer("snap1", "")
	require.NoError(t, ix.MakeDirectory("snap1", 1))
	require.NoError(t, ix.Insert("snap1", 1, "a", 2))

	ix.NewLayer("branch1", "snap1")
	require.NoError(t, ix.Insert("branch1", 1, "b", 3))

	_, err := ix.Lookup("snap1", 1, "b")
	require.Error(t, err)
	assert.Equal(t, xerrors.NotFound, xerrors.CodeOf(err))
}

func TestRenameWithinSameDirectory(t *testing.T) {
	ix := New()
	ix.NewLayer("root", "")
	require.NoError(t, ix.MakeDirectory("root", 1))
	require.NoError(t, ix.Insert("root", 1, "old", 2))

	require.NoError(t, ix.Rename("root", 1, "old", 1, "new", false, nil))

	_, err := ix.Lookup("root", 1, "old")
	require.Error(t, err)
	got, err := ix.Lookup("root", 1, "new")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got)
}

func TestRenameWithoutReplaceFailsWhenDestExists(t *testing.T) {
	ix := New()
	ix.NewLayer("root", "")
	require.NoError(t, ix.MakeDirectory("root", 1))
	require.NoError(t, ix.Insert("root", 1, "a", 2))
	require.NoError(t, ix.Insert("root", 1, "b", 3))

	err := ix.Rename("root", 1, "a", 1, "b", false, nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.AlreadyExists, xerrors.CodeOf(err))
}

func TestRenameReplaceNonEmptyDirFailsBusy(t *testing.T) {
	ix := New()
	ix.NewLayer("root", "")
	require.NoError(t, ix.MakeDirectory("root", 1))
	require.NoError(t, ix.Insert("root", 1, "a", 2))
	require.NoError(t, ix.Insert("root", 1, "b", 3))

	nonEmpty := func(ino types.InodeNum) (bool, error) { return ino == 3, nil }
	err := ix.Rename("root", 1, "a", 1, "b", true, nonEmpty)
	require.Error(t, err)
	assert.Equal(t, xerrors.Busy, xerrors.CodeOf(err))
}

func TestRenameAcrossDirectoriesLocksAscendingInodeOrder(t *testing.T) {
	ix := New()
	ix.NewLayer("root", "")
	require.NoError(t, ix.MakeDirectory("root", 5)) // higher inode first
	require.NoError(t, ix.MakeDirectory("root", 2))
	require.NoError(t, ix.Insert("root", 5, "a", 10))

	require.NoError(t, ix.Rename("root", 5, "a", 2, "a", false, nil))

	_, err := ix.Lookup("root", 5, "a")
	require.Error(t, err)
	got, err := ix.Lookup("root", 2, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 10, got)
}

func TestIsEmpty(t *testing.T) {
	ix := New()
	ix.NewLayer("root", "")
	require.NoError(t, ix.MakeDirectory("root", 1))

	empty, err := ix.IsEmpty("root", 1)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, ix.Insert("root", 1, "a", 2))
	empty, err = ix.IsEmpty("root", 1)
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestSortedNames(t *testing.T) {
	got := SortedNames([]string{"z", "a", "m"})
	assert.Equal(t, []string{"a", "m", "z"}, got)
}
