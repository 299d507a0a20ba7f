package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentfs/agentfs/cfg"
	"github.com/agentfs/agentfs/internal/controlplane"
	"github.com/agentfs/agentfs/internal/vfs/handle"
	"github.com/agentfs/agentfs/internal/vfs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, lowerDir string) *Engine {
	t.Helper()
	eng, err := New(Config{
		LowerDir:   lowerDir,
		Backstore:  cfg.BackstoreConfig{Mode: cfg.BackstoreInMemory},
		FileSystem: cfg.FileSystemConfig{PageSizeBytes: 16},
	})
	require.NoError(t, err)
	return eng
}

func TestNewSeedsRootDirectory(t *testing.T) {
	eng := newTestEngine(t, "")
	attrs, err := eng.GetAttr(1, "/")
	require.NoError(t, err)
	assert.Equal(t, types.KindDirectory, attrs.Kind)
}

func TestImportTreeMirrorsHostDirectory(t *testing.T) {
	lower := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(lower, "a.txt"), []byte("hello world"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(lower, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(lower, "sub", "b.txt"), []byte("nested"), 0644))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(lower, "link")))

	eng := newTestEngine(t, lower)

	attrs, err := eng.GetAttr(1, "/a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, len("hello world"), attrs.Size)

	target, err := eng.ReadSymlink(1, "/link")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)

	nestedAttrs, err := eng.GetAttr(1, "/sub/b.txt")
	require.NoError(t, err)
	assert.EqualValues(t, len("nested"), nestedAttrs.Size)
}

func TestCreateWriteReadRoundTrips(t *testing.T) {
	eng := newTestEngine(t, "")
	_, err := eng.CreateFile(1, "/hello.txt", 0644)
	require.NoError(t, err)

	id, err := eng.OpenFile(1, "/hello.txt", handle.AccessRead|handle.AccessWrite, handle.ShareReadWrite)
	require.NoError(t, err)
	defer eng.CloseHandle(id)

	n, err := eng.Write(id, []byte("payload"), 0)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	buf := make([]byte, 7)
	n, err = eng.Read(id, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))

	attrs, err := eng.GetAttr(1, "/hello.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 7, attrs.Size)
}

func TestMkDirAndReadDirNext(t *testing.T) {
	eng := newTestEngine(t, "")
	_, err := eng.MkDir(1, "/dir", 0755)
	require.NoError(t, err)
	_, err = eng.CreateFile(1, "/dir/one.txt", 0644)
	require.NoError(t, err)
	_, err = eng.CreateFile(1, "/dir/two.txt", 0644)
	require.NoError(t, err)

	id, err := eng.OpenDir(1, "/dir")
	require.NoError(t, err)
	defer eng.CloseHandle(id)

	var names []string
	for {
		name, ok, err := eng.ReadDirNext(id)
		require.NoError(t, err)
		if !ok {
			break
		}
		names = append(names, name)
	}
	assert.Equal(t, []string{"one.txt", "two.txt"}, names)
}

func TestUnlinkDiscardsContentOnLastLink(t *testing.T) {
	eng := newTestEngine(t, "")
	_, err := eng.CreateFile(1, "/f.txt", 0644)
	require.NoError(t, err)
	require.NoError(t, eng.Unlink(1, "/f.txt"))

	_, err = eng.GetAttr(1, "/f.txt")
	require.Error(t, err)
}

func TestUnlinkWithOpenHandleDefersDiscard(t *testing.T) {
	eng := newTestEngine(t, "")
	_, err := eng.CreateFile(1, "/f.txt", 0644)
	require.NoError(t, err)

	id, err := eng.OpenFile(1, "/f.txt", handle.AccessRead|handle.AccessWrite, handle.ShareReadWrite)
	require.NoError(t, err)
	_, err = eng.Write(id, []byte("still here"), 0)
	require.NoError(t, err)

	require.NoError(t, eng.Unlink(1, "/f.txt"))

	_, err = eng.GetAttr(1, "/f.txt")
	require.Error(t, err, "the name is gone even though the handle is still open")

	buf := make([]byte, len("still here"))
	n, err := eng.Read(id, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(buf[:n]), "an open handle keeps reading an unlinked file")

	require.NoError(t, eng.CloseHandle(id))
}

func TestRenameMovesEntry(t *testing.T) {
	eng := newTestEngine(t, "")
	_, err := eng.CreateFile(1, "/old.txt", 0644)
	require.NoError(t, err)
	require.NoError(t, eng.Rename(1, "/old.txt", "/new.txt", false))

	_, err = eng.GetAttr(1, "/old.txt")
	require.Error(t, err)
	_, err = eng.GetAttr(1, "/new.txt")
	require.NoError(t, err)
}

func TestXattrRoundTrip(t *testing.T) {
	eng := newTestEngine(t, "")
	_, err := eng.CreateFile(1, "/f.txt", 0644)
	require.NoError(t, err)

	require.NoError(t, eng.SetXattr(1, "/f.txt", "user.tag", []byte("v1"), true, false))
	v, err := eng.GetXattr(1, "/f.txt", "user.tag")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))

	names, err := eng.ListXattr(1, "/f.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"user.tag"}, names)
}

func TestBindProcessRejectsUnknownBranch(t *testing.T) {
	eng := newTestEngine(t, "")
	err := eng.BindProcess(42, "no-such-branch")
	require.Error(t, err)
}

func TestServeAcceptsControlPlaneConnections(t *testing.T) {
	eng := newTestEngine(t, "")
	sockPath := filepath.Join(t.TempDir(), "agentfs.sock")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- eng.Serve(ctx, sockPath, nil) }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	hs := controlplane.Handshake{Version: controlplane.ProtocolVersion}
	payload, err := json.Marshal(hs)
	require.NoError(t, err)
	_, err = conn.Write(append(payload, '\n'))
	require.NoError(t, err)

	ack := make([]byte, 3)
	_, err = conn.Read(ack)
	require.NoError(t, err)
	assert.Equal(t, "OK\n", string(ack))

	require.NoError(t, controlplane.WriteFrame(conn, controlplane.EncodeRequest(&controlplane.Request{Op: controlplane.OpSnapshotList})))
	respPayload, err := controlplane.ReadFrame(bufio.NewReader(conn))
	require.NoError(t, err)
	resp, err := controlplane.DecodeResponse(respPayload)
	require.NoError(t, err)
	assert.Equal(t, controlplane.OpSnapshotListResult, resp.Op)

	cancel()
	select {
	case err := <-serveErr:
		_ = err
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}
