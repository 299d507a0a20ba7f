package controlplane

import (
	"bytes"
	"testing"

	"github.com/agentfs/agentfs/internal/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))

	payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))
}

func TestFrameTooLargeIsRejected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("x")))
	// Corrupt the length prefix to exceed maxFrameBytes.
	data := buf.Bytes()
	data[0], data[1], data[2], data[3] = 0xff, 0xff, 0xff, 0xff
	corrupted := bytes.NewReader(data)

	_, err := ReadFrame(corrupted)
	require.Error(t, err)
}

func TestEncodeDecodeSnapshotCreateRequest(t *testing.T) {
	req := &Request{Op: OpSnapshotCreate, Name: []byte("checkpoint-1")}
	decoded, err := DecodeRequest(EncodeRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req.Op, decoded.Op)
	assert.Equal(t, req.Name, decoded.Name)
}

func TestEncodeDecodeBranchBindRequest(t *testing.T) {
	req := &Request{Op: OpBranchBind, BranchID: []byte("branch-1"), Pid: 4242, PidSet: true}
	decoded, err := DecodeRequest(EncodeRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req.BranchID, decoded.BranchID)
	assert.EqualValues(t, 4242, decoded.Pid)
	assert.True(t, decoded.PidSet)
}

func TestDecodeRequestUnknownOpcodeIsNotSupported(t *testing.T) {
	_, err := DecodeRequest([]byte{0xfe})
	require.Error(t, err)
	assert.Equal(t, xerrors.NotSupported, xerrors.CodeOf(err))
}

func TestDecodeRequestTruncatedPayloadIsInvalidArgument(t *testing.T) {
	_, err := DecodeRequest([]byte{byte(OpSnapshotExport)}) // missing the snapshot_id field
	require.Error(t, err)
	assert.Equal(t, xerrors.InvalidArgument, xerrors.CodeOf(err))
}

func TestEncodeDecodeSnapshotListResultResponse(t *testing.T) {
	resp := &Response{
		Op: OpSnapshotListResult,
		Snapshots: []SnapshotListEntry{
			{SnapshotID: []byte("s1"), Label: []byte("v1"), ParentBranch: []byte("b1"), CreatedAtUnix: 100},
			{SnapshotID: []byte("s2"), Label: []byte(""), ParentBranch: []byte("b1"), CreatedAtUnix: 200},
		},
	}
	decoded, err := DecodeResponse(EncodeResponse(resp))
	require.NoError(t, err)
	require.Len(t, decoded.Snapshots, 2)
	assert.Equal(t, "s1", string(decoded.Snapshots[0].SnapshotID))
	assert.EqualValues(t, 200, decoded.Snapshots[1].CreatedAtUnix)
}

func TestEncodeDecodeErrorResponse(t *testing.T) {
	resp := &Response{Op: OpError, Message: []byte("not found"), Code: 1}
	decoded, err := DecodeResponse(EncodeResponse(resp))
	require.NoError(t, err)
	assert.Equal(t, "not found", string(decoded.Message))
	assert.EqualValues(t, 1, decoded.Code)
}

func TestEncodeDecodeSnapshotExportResultResponse(t *testing.T) {
	resp := &Response{Op: OpSnapshotExportResult, Path: []byte("/tmp/export/s1"), CleanupToken: []byte("tok-1")}
	decoded, err := DecodeResponse(EncodeResponse(resp))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/export/s1", string(decoded.Path))
	assert.Equal(t, "tok-1", string(decoded.CleanupToken))
}
