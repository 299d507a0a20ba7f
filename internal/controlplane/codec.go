package controlplane

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/agentfs/agentfs/internal/xerrors"
)

// The wire codec below is a hand-rolled binary format rather than a
// general-purpose serializer: spec.md §6 requires that "field names and
// order are part of the contract", so each variant's shape is written out
// explicitly instead of reflected over, matching the style of the
// bare-encoding/binary wire parsers in the corpus (e.g. a filesystem
// superblock or archive reader walking fixed fields in order).

func writeBytesField(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func readBytesField(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("controlplane: field length %d exceeds max %d", n, maxFrameBytes)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeRequest serializes req as: 1-byte opcode, then opcode-specific
// length-prefixed byte fields and fixed-width integers, in a fixed order
// chosen per opcode (not always the order the fields are declared on
// Request).
func EncodeRequest(req *Request) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(req.Op))

	switch req.Op {
	case OpSnapshotCreate:
		writeBytesField(&buf, req.Name)
	case OpSnapshotList:
		// no fields
	case OpSnapshotExport:
		writeBytesField(&buf, req.SnapshotID)
	case OpSnapshotExportRelease:
		writeBytesField(&buf, req.CleanupToken)
	case OpBranchCreate:
		writeBytesField(&buf, req.FromSnapshot)
		writeBytesField(&buf, req.Name)
	case OpBranchBind:
		writeBytesField(&buf, req.BranchID)
		buf.WriteByte(boolByte(req.PidSet))
		var pidBuf [4]byte
		binary.LittleEndian.PutUint32(pidBuf[:], req.Pid)
		buf.Write(pidBuf[:])
	case OpSnapshotDestroy:
		writeBytesField(&buf, req.SnapshotID)
	case OpBranchDestroy:
		writeBytesField(&buf, req.BranchID)
	}
	return buf.Bytes()
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// DecodeRequest parses a frame payload into a Request. Malformed or
// truncated frames surface as invalid_argument; unknown opcodes surface as
// not_supported, per spec.md §4.G.
func DecodeRequest(payload []byte) (*Request, error) {
	r := bytes.NewReader(payload)
	opByte, err := r.ReadByte()
	if err != nil {
		return nil, xerrors.Wrap("controlplane", xerrors.InvalidArgument, err, "reading opcode")
	}
	op := Opcode(opByte)

	req := &Request{Op: op}
	var fieldErr error
	switch op {
	case OpSnapshotCreate:
		req.Name, fieldErr = readBytesField(r)
	case OpSnapshotList:
		// no fields
	case OpSnapshotExport:
		req.SnapshotID, fieldErr = readBytesField(r)
	case OpSnapshotExportRelease:
		req.CleanupToken, fieldErr = readBytesField(r)
	case OpBranchCreate:
		if req.FromSnapshot, fieldErr = readBytesField(r); fieldErr == nil {
			req.Name, fieldErr = readBytesField(r)
		}
	case OpBranchBind:
		if req.BranchID, fieldErr = readBytesField(r); fieldErr == nil {
			var pidSetByte byte
			pidSetByte, fieldErr = r.ReadByte()
			req.PidSet = pidSetByte == 1
			if fieldErr == nil {
				var pidBuf [4]byte
				if _, fieldErr = io.ReadFull(r, pidBuf[:]); fieldErr == nil {
					req.Pid = binary.LittleEndian.Uint32(pidBuf[:])
				}
			}
		}
	case OpSnapshotDestroy:
		req.SnapshotID, fieldErr = readBytesField(r)
	case OpBranchDestroy:
		req.BranchID, fieldErr = readBytesField(r)
	default:
		return nil, xerrors.New("controlplane", xerrors.NotSupported, "unknown opcode %d", opByte)
	}
	if fieldErr != nil {
		return nil, xerrors.Wrap("controlplane", xerrors.InvalidArgument, fieldErr, "decoding opcode %d", opByte)
	}
	return req, nil
}

// EncodeResponse serializes resp the same way EncodeRequest does.
func EncodeResponse(resp *Response) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(resp.Op))

	switch resp.Op {
	case OpSnapshotInfo:
		writeBytesField(&buf, resp.SnapshotID)
		writeBytesField(&buf, resp.Label)
		writeBytesField(&buf, resp.ParentBranch)
		writeInt64(&buf, resp.CreatedAtUnix)
	case OpSnapshotListResult:
		writeUint32(&buf, uint32(len(resp.Snapshots)))
		for _, s := range resp.Snapshots {
			writeBytesField(&buf, s.SnapshotID)
			writeBytesField(&buf, s.Label)
			writeBytesField(&buf, s.ParentBranch)
			writeInt64(&buf, s.CreatedAtUnix)
		}
	case OpBranchInfo:
		writeBytesField(&buf, resp.BranchID)
		writeBytesField(&buf, resp.ParentBranch)
	case OpSnapshotExportResult:
		writeBytesField(&buf, resp.Path)
		writeBytesField(&buf, resp.CleanupToken)
	case OpBindAck:
		// no fields
	case OpError:
		writeBytesField(&buf, resp.Message)
		writeUint32(&buf, resp.Code)
	}
	return buf.Bytes()
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// DecodeResponse parses a frame payload into a Response, the client
// library's side of the codec.
func DecodeResponse(payload []byte) (*Response, error) {
	r := bytes.NewReader(payload)
	opByte, err := r.ReadByte()
	if err != nil {
		return nil, xerrors.Wrap("controlplane", xerrors.InvalidArgument, err, "reading opcode")
	}
	op := Opcode(opByte)
	resp := &Response{Op: op}

	var fieldErr error
	switch op {
	case OpSnapshotInfo:
		if resp.SnapshotID, fieldErr = readBytesField(r); fieldErr == nil {
			if resp.Label, fieldErr = readBytesField(r); fieldErr == nil {
				if resp.ParentBranch, fieldErr = readBytesField(r); fieldErr == nil {
					resp.CreatedAtUnix, fieldErr = readInt64(r)
				}
			}
		}
	case OpSnapshotListResult:
		var count uint32
		if count, fieldErr = readUint32(r); fieldErr == nil {
			for i := uint32(0); i < count && fieldErr == nil; i++ {
				var entry SnapshotListEntry
				if entry.SnapshotID, fieldErr = readBytesField(r); fieldErr != nil {
					break
				}
				if entry.Label, fieldErr = readBytesField(r); fieldErr != nil {
					break
				}
				if entry.ParentBranch, fieldErr = readBytesField(r); fieldErr != nil {
					break
				}
				if entry.CreatedAtUnix, fieldErr = readInt64(r); fieldErr != nil {
					break
				}
				resp.Snapshots = append(resp.Snapshots, entry)
			}
		}
	case OpBranchInfo:
		if resp.BranchID, fieldErr = readBytesField(r); fieldErr == nil {
			resp.ParentBranch, fieldErr = readBytesField(r)
		}
	case OpSnapshotExportResult:
		if resp.Path, fieldErr = readBytesField(r); fieldErr == nil {
			resp.CleanupToken, fieldErr = readBytesField(r)
		}
	case OpBindAck:
		// no fields
	case OpError:
		if resp.Message, fieldErr = readBytesField(r); fieldErr == nil {
			resp.Code, fieldErr = readUint32(r)
		}
	default:
		return nil, xerrors.New("controlplane", xerrors.NotSupported, "unknown response opcode %d", opByte)
	}
	if fieldErr != nil {
		return nil, xerrors.Wrap("controlplane", xerrors.InvalidArgument, fieldErr, "decoding opcode %d", opByte)
	}
	return resp, nil
}
