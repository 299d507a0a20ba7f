// Package controlplane implements the length-prefixed binary protocol and
// per-connection dispatcher of spec.md §4.G/§6: a u32-LE frame length
// followed by a typed request/response payload, a version handshake, and
// a single-threaded-per-connection dispatch loop over the snapshot/branch
// manager.
package controlplane

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolVersion is the handshake version this daemon build speaks;
// spec.md §6 says a mismatched version closes the connection.
const ProtocolVersion = "1"

const maxFrameBytes = 64 << 20 // guards against a corrupt/hostile length prefix

// Opcode identifies a request or response variant on the wire.
type Opcode uint8

const (
	OpSnapshotCreate Opcode = iota + 1
	OpSnapshotList
	OpSnapshotExport
	OpSnapshotExportRelease
	OpBranchCreate
	OpBranchBind
	// OpSnapshotDestroy and OpBranchDestroy are the SUPPLEMENTED FEATURES
	// explicit reclamation calls: a deterministic trigger alongside the
	// background GC sweep, rather than relying only on implicit GC.
	OpSnapshotDestroy
	OpBranchDestroy

	OpSnapshotInfo
	OpSnapshotListResult
	OpBranchInfo
	OpSnapshotExportResult
	OpBindAck
	OpError
)

// Name returns the opcode's wire name, used as the metrics label and in log
// lines so an opcode value never leaks into a user-visible string bare.
func (op Opcode) Name() string {
	switch op {
	case OpSnapshotCreate:
		return "snapshot_create"
	case OpSnapshotList:
		return "snapshot_list"
	case OpSnapshotExport:
		return "snapshot_export"
	case OpSnapshotExportRelease:
		return "snapshot_export_release"
	case OpBranchCreate:
		return "branch_create"
	case OpBranchBind:
		return "branch_bind"
	case OpSnapshotDestroy:
		return "snapshot_destroy"
	case OpBranchDestroy:
		return "branch_destroy"
	default:
		return "unknown"
	}
}

// Request is the closed set of client->daemon messages from spec.md §4.G.
type Request struct {
	Op           Opcode
	Name         []byte // SnapshotCreate.name, BranchCreate.name
	SnapshotID   []byte
	CleanupToken []byte
	FromSnapshot []byte
	BranchID     []byte
	Pid          uint32
	PidSet       bool
}

// Response is the closed set of daemon->client messages: success variants
// mirror requests, plus a catch-all Error.
type Response struct {
	Op            Opcode
	SnapshotID    []byte
	Label         []byte
	ParentBranch  []byte
	CreatedAtUnix int64
	Snapshots     []SnapshotListEntry
	BranchID      []byte
	Path          []byte
	CleanupToken  []byte
	Message       []byte
	Code          uint32
}

// SnapshotListEntry is one row of a SnapshotListResult response.
type SnapshotListEntry struct {
	SnapshotID    []byte
	Label         []byte
	ParentBranch  []byte
	CreatedAtUnix int64
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("controlplane: frame length %d exceeds max %d", n, maxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes payload as one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
