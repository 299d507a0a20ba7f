package inode

import (
	"testing"

	"github.com/agentfs/agentfs/internal/vfs/types"
	"github.com/agentfs/agentfs/internal/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateAndGet(t *testing.T) {
	tb := New()
	tb.NewLayer("root", "")

	num, err := tb.Allocate("root", types.Attrs{Kind: types.KindRegular, Mode: 0o644})
	require.NoError(t, err)
	assert.EqualValues(t, 1, num)

	attrs, err := tb.Get("root", num)
	require.NoError(t, err)
	assert.Equal(t, types.KindRegular, attrs.Kind)
}

func TestInodeNumbersNeverReused(t *testing.T) {
	tb := New()
	tb.NewLayer("root", "")

	a, _ := tb.Allocate("root", types.Attrs{})
	b, _ := tb.Allocate("root", types.Attrs{})
	assert.Less(t, a, b)
}

func TestBranchInheritsFromSnapshot(t *testing.T) {
	tb := New()
	tb.NewLayer("snap1", "")
	num, err := tb.Allocate("snap1", types.Attrs{Mode: 0o600})
	require.NoError(t, err)

	tb.NewLayer("branch1", "snap1")
	attrs, err := tb.Get("branch1", num)
	require.NoError(t, err)
	assert.EqualValues(t, 0o600, attrs.Mode)
}

func TestUpdateMaterializesIntoBranchOnly(t *testing.T) {
	tb := New()
	tb.NewLayer("snap1", "")
	num, err := tb.Allocate("snap1", types.Attrs{Mode: 0o600})
	require.NoError(t, err)

	tb.NewLayer("branch1", "snap1")
	require.NoError(t, tb.Update("branch1", num, func(a *types.Attrs) { a.Mode = 0o755 }))

	branchAttrs, _ := tb.Get("branch1", num)
	assert.EqualValues(t, 0o755, branchAttrs.Mode)

	snapAttrs, _ := tb.Get("snap1", num)
	assert.EqualValues(t, 0o600, snapAttrs.Mode)
}

func TestSetXattrCreateOnlyAndReplaceOnly(t *testing.T) {
	tb := New()
	tb.NewLayer("root", "")
	num, _ := tb.Allocate("root", types.Attrs{})

	require.NoError(t, tb.SetXattr("root", num, "user.a", []byte("1"), true, false))

	err := tb.SetXattr("root", num, "user.a", []byte("2"), true, false)
	require.Error(t, err)
	assert.Equal(t, xerrors.AlreadyExists, xerrors.CodeOf(err))

	err = tb.SetXattr("root", num, "user.b", []byte("x"), false, true)
	require.Error(t, err)
	assert.Equal(t, xerrors.InvalidArgument, xerrors.CodeOf(err))

	require.NoError(t, tb.SetXattr("root", num, "user.a", []byte("2"), false, true))
	v, err := tb.GetXattr("root", num, "user.a")
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))
}

func TestXattrListPreservesInsertionOrder(t *testing.T) {
	tb := New()
	tb.NewLayer("root", "")
	num, _ := tb.Allocate("root", types.Attrs{})

	require.NoError(t, tb.SetXattr("root", num, "user.z", []byte("1"), false, false))
	require.NoError(t, tb.SetXattr("root", num, "user.a", []byte("2"), false, false))

	names, err := tb.ListXattrs("root", num)
	require.NoError(t, err)
	assert.Equal(t, []string{"user.z", "user.a"}, names)
}

func TestRemoveXattrNotPresentIsNotFound(t *testing.T) {
	tb := New()
	tb.NewLayer("root", "")
	num, _ := tb.Allocate("root", types.Attrs{})

	err := tb.RemoveXattr("root", num, "user.missing")
	require.Error(t, err)
	assert.Equal(t, xerrors.NotFound, xerrors.CodeOf(err))
}

func TestLinkAndUnlinkTracksNlink(t *testing.T) {
	tb := New()
	tb.NewLayer("root", "")
	num, _ := tb.Allocate("root", types.Attrs{Nlink: 1})

	require.NoError(t, tb.Link("root", num))
	attrs, _ := tb.Get("root", num)
	assert.EqualValues(t, 2, attrs.Nlink)

	zero, err := tb.Unlink("root", num)
	require.NoError(t, err)
	assert.False(t, zero)

	zero, err = tb.Unlink("root", num)
	require.NoError(t, err)
	assert.True(t, zero)
}

func TestGetUnknownInodeIsNotFound(t *testing.T) {
	tb := New()
	tb.NewLayer("root", "")

	_, err := tb.Get("root", 42)
	require.Error(t, err)
	assert.Equal(t, xerrors.NotFound, xerrors.CodeOf(err))
}

func TestDestroyLayerRemovesItsEntries(t *testing.T) {
	tb := New()
	tb.NewLayer("root", "")
	num, _ := tb.Allocate("root", types.Attrs{})

	tb.DestroyLayer("root")

	_, err := tb.Get("root", num)
	require.Error(t, err)
}
