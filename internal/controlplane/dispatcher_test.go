package controlplane

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/agentfs/agentfs/internal/registry"
	"github.com/agentfs/agentfs/internal/snapshot"
	"github.com/agentfs/agentfs/internal/vfs/dirent"
	"github.com/agentfs/agentfs/internal/vfs/inode"
	"github.com/agentfs/agentfs/internal/vfs/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	st := store.New(store.NewInMemoryBackend(), 16)
	inodes := inode.New()
	dirs := dirent.New()
	mgr := snapshot.New(t.TempDir(), st, inodes, dirs)
	mgr.InitRootBranch("main")
	return NewDispatcher(mgr, registry.New(), slog.New(slog.DiscardHandler))
}

func sendHandshake(t *testing.T, conn net.Conn) {
	t.Helper()
	hs := Handshake{Version: ProtocolVersion}
	hs.Process.Pid = 1234
	payload, err := json.Marshal(hs)
	require.NoError(t, err)
	_, err = conn.Write(append(payload, '\n'))
	require.NoError(t, err)

	ack := make([]byte, len(handshakeAck))
	_, err = io.ReadFull(conn, ack)
	require.NoError(t, err)
	assert.Equal(t, handshakeAck, string(ack))
}

func TestHandshakeThenSnapshotCreate(t *testing.T) {
	d := newTestDispatcher(t)
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		d.handleConn(serverConn)
		close(done)
	}()

	sendHandshake(t, clientConn)

	req := &Request{Op: OpSnapshotCreate, Name: []byte("v1")}
	require.NoError(t, WriteFrame(clientConn, EncodeRequest(req)))

	payload, err := ReadFrame(bufio.NewReader(clientConn))
	require.NoError(t, err)
	resp, err := DecodeResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, OpSnapshotInfo, resp.Op)
	assert.NotEmpty(t, resp.SnapshotID)

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleConn did not exit after connection close")
	}
}

func TestVersionMismatchClosesConnection(t *testing.T) {
	d := newTestDispatcher(t)
	clientConn, serverConn := net.Pipe()

	done := make(chan struct{})
	go func() {
		d.handleConn(serverConn)
		close(done)
	}()

	hs := Handshake{Version: "999"}
	payload, err := json.Marshal(hs)
	require.NoError(t, err)
	_, err = clientConn.Write(append(payload, '\n'))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleConn did not close on version mismatch")
	}
	clientConn.Close()
}

func TestDispatchSnapshotListEmpty(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.dispatch(EncodeRequest(&Request{Op: OpSnapshotList}))
	assert.Equal(t, OpSnapshotListResult, resp.Op)
	assert.Empty(t, resp.Snapshots)
}

func TestDispatchUnknownOpcodeIsError(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.dispatch([]byte{0xfe})
	assert.Equal(t, OpError, resp.Op)
}

func TestDispatchBranchBindRequiresPid(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.dispatch(EncodeRequest(&Request{Op: OpBranchBind, BranchID: []byte("b1")}))
	assert.Equal(t, OpError, resp.Op)
}

func TestDispatchBranchBindSucceeds(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.dispatch(EncodeRequest(&Request{Op: OpBranchBind, BranchID: []byte("b1"), Pid: 99, PidSet: true}))
	assert.Equal(t, OpBindAck, resp.Op)

	rec, err := d.registry.Lookup(99)
	require.NoError(t, err)
	assert.Equal(t, "b1", string(rec.BoundBranch))
}
