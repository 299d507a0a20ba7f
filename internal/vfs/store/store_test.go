package store

import (
	"context"
	"testing"

	"github.com/agentfs/agentfs/internal/vfs/types"
	"github.com/agentfs/agentfs/internal/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 16

func newTestStore() *Store {
	return New(NewInMemoryBackend(), testPageSize)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.NewLayer("root", "")

	data := []byte("hello world, this spans more than one page")
	n, err := s.Write(ctx, "root", 1, data, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	buf := make([]byte, len(data))
	n, err = s.Read(ctx, "root", 1, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, buf)
}

func TestReadPastEOFReturnsZero(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.NewLayer("root", "")
	_, err := s.Write(ctx, "root", 1, []byte("abc"), 0)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := s.Read(ctx, "root", 1, buf, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReadGapWithinSizeIsZeroFilled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.NewLayer("root", "")
	// Write only the second page, leaving the first page's declared range
	// unwritten, to exercise the zero-fill path in readPage.
	_, err := s.Write(ctx, "root", 1, []byte("second-page-data"), testPageSize)
	require.NoError(t, err)

	buf := make([]byte, testPageSize)
	n, err := s.Read(ctx, "root", 1, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, testPageSize, n)
	assert.Equal(t, make([]byte, testPageSize), buf)
}

func TestBranchInheritsFromFrozenParent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.NewLayer("snap1", "")
	_, err := s.Write(ctx, "snap1", 1, []byte("parent data"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Freeze("snap1"))

	s.NewLayer("branch1", "snap1")
	buf := make([]byte, len("parent data"))
	n, err := s.Read(ctx, "branch1", 1, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "parent data", string(buf[:n]))
}

func TestWriteToBranchDoesNotMutateParent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.NewLayer("snap1", "")
	_, err := s.Write(ctx, "snap1", 1, []byte("original content"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Freeze("snap1"))

	s.NewLayer("branch1", "snap1")
	_, err = s.Write(ctx, "branch1", 1, []byte("CHANGED "), 0)
	require.NoError(t, err)

	parentBuf := make([]byte, len("original content"))
	_, err = s.Read(ctx, "snap1", 1, parentBuf, 0)
	require.NoError(t, err)
	assert.Equal(t, "original content", string(parentBuf))

	branchBuf := make([]byte, len("original content"))
	_, err = s.Read(ctx, "branch1", 1, branchBuf, 0)
	require.NoError(t, err)
	assert.Equal(t, "CHANGED  content", string(branchBuf))
}

func TestWriteToFrozenLayerFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.NewLayer("snap1", "")
	require.NoError(t, s.Freeze("snap1"))

	_, err := s.Write(ctx, "snap1", 1, []byte("x"), 0)
	require.Error(t, err)
	assert.Equal(t, xerrors.AccessDenied, xerrors.CodeOf(err))
}

func TestTruncateShrinkDropsPages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.NewLayer("root", "")
	data := make([]byte, testPageSize*3)
	for i := range data {
		data[i] = byte(i)
	}
	_, err := s.Write(ctx, "root", 1, data, 0)
	require.NoError(t, err)

	require.NoError(t, s.Truncate(ctx, "root", 1, testPageSize))

	size, ok := s.Size("root", 1)
	require.True(t, ok)
	assert.EqualValues(t, testPageSize, size)

	buf := make([]byte, testPageSize)
	n, err := s.Read(ctx, "root", 1, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, testPageSize, n)
}

func TestTruncateGrowExtendsSizeWithZeros(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.NewLayer("root", "")
	_, err := s.Write(ctx, "root", 1, []byte("abc"), 0)
	require.NoError(t, err)

	require.NoError(t, s.Truncate(ctx, "root", 1, testPageSize))

	buf := make([]byte, testPageSize)
	n, err := s.Read(ctx, "root", 1, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, testPageSize, n)
	assert.Equal(t, byte('a'), buf[0])
	assert.Equal(t, byte(0), buf[testPageSize-1])
}

func TestDiscardRemovesAllPages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.NewLayer("root", "")
	_, err := s.Write(ctx, "root", 1, []byte("some content here"), 0)
	require.NoError(t, err)

	require.NoError(t, s.Discard(ctx, "root", 1))

	_, ok := s.Size("root", 1)
	assert.False(t, ok)
}

func TestReadUnknownInodeIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.NewLayer("root", "")

	buf := make([]byte, 4)
	_, err := s.Read(ctx, "root", 99, buf, 0)
	require.Error(t, err)
	assert.Equal(t, xerrors.NotFound, xerrors.CodeOf(err))
}

func TestDestroyLayerFreesBackendBytes(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryBackend()
	s := New(backend, testPageSize)
	s.NewLayer("root", "")
	_, err := s.Write(ctx, "root", 1, []byte("content"), 0)
	require.NoError(t, err)

	s.DestroyLayer("root")

	_, ok := backend.Read(extentKey{Layer: "root", Inode: 1, Page: 0})
	assert.False(t, ok)
}

func TestRamDiskBackendEnforcesCapacity(t *testing.T) {
	b := NewRamDiskBackend(0) // 0 MB budget: every write beyond byte 0 is dropped
	key := extentKey{Layer: types.BranchID("b"), Inode: 1, Page: 0}
	b.Write(key, []byte("12345"))
	_, ok := b.Read(key)
	assert.False(t, ok)
}

func TestHostFsBackendRoundTrips(t *testing.T) {
	dir := t.TempDir()
	b := NewHostFsBackend(dir)
	key := extentKey{Layer: types.BranchID("b1"), Inode: 5, Page: 2}
	b.Write(key, []byte("page bytes"))

	data, ok := b.Read(key)
	require.True(t, ok)
	assert.Equal(t, "page bytes", string(data))

	b.DeleteLayer("b1")
	_, ok = b.Read(key)
	assert.False(t, ok)
}
