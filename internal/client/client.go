// Package client implements the control-plane client library from spec.md
// §4.I: connect, perform the version handshake, and issue typed,
// sequential RPCs against an agentfs-daemon control-plane socket. It is
// the typed counterpart to internal/controlplane's wire codec, the way the
// teacher's own mount code is the client-side counterpart of its gcsfuse
// bucket/object protocol.
package client

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"

	"github.com/agentfs/agentfs/internal/controlplane"
	"github.com/agentfs/agentfs/internal/xerrors"
)

// Identity is the client-side half of the handshake payload from spec.md
// §6: shim name/version/features and allowlist. The caller's own process
// identity is not part of it; the handshake fills that in itself.
type Identity struct {
	ShimName     string
	CrateVersion string
	Features     []string
	Allowlist    []string
}

// SnapshotInfo mirrors a successful SnapshotInfo response.
type SnapshotInfo struct {
	SnapshotID   string
	Label        string
	ParentBranch string
	CreatedAt    time.Time
}

// BranchInfo mirrors a successful BranchInfo response.
type BranchInfo struct {
	BranchID     string
	ParentBranch string
}

// Export mirrors a successful SnapshotExportResult response.
type Export struct {
	Path         string
	CleanupToken string
}

// Client is a single, sequential connection to an agentfs-daemon
// control-plane socket. Concurrent callers serialize behind mu, matching
// the "at most one request in flight per connection" rule of spec.md §5.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

// Dial connects to socketPath, performs the handshake described by
// spec.md §6 using identity, and returns a ready-to-use Client. A version
// mismatch or malformed ack closes the connection and returns an error.
func Dial(socketPath string, identity Identity) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, xerrors.Wrap("client", xerrors.IO, err, "dialing %s", socketPath)
	}

	c := &Client{conn: conn, reader: bufio.NewReader(conn)}
	if err := c.handshake(identity); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(identity Identity) error {
	hs := controlplane.Handshake{Version: controlplane.ProtocolVersion}
	hs.Shim.Name = identity.ShimName
	hs.Shim.CrateVersion = identity.CrateVersion
	hs.Shim.Features = identity.Features
	hs.Process.Pid = uint32(os.Getpid())
	hs.Process.Ppid = uint32(os.Getppid())
	hs.Process.Uid = uint32(os.Getuid())
	hs.Process.Gid = uint32(os.Getgid())
	if exe, err := os.Executable(); err == nil {
		hs.Process.ExePath = exe
	}
	hs.Allowlist.ConfiguredEntries = identity.Allowlist
	hs.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(hs)
	if err != nil {
		return xerrors.Wrap("client", xerrors.InvalidArgument, err, "encoding handshake")
	}
	if _, err := c.conn.Write(append(payload, '\n')); err != nil {
		return xerrors.Wrap("client", xerrors.IO, err, "writing handshake")
	}

	ack := make([]byte, 3)
	if _, err := c.reader.Read(ack); err != nil {
		return xerrors.Wrap("client", xerrors.IO, err, "reading handshake ack")
	}
	if string(ack) != "OK\n" {
		c.conn.Close()
		return xerrors.New("client", xerrors.InvalidArgument, "unexpected handshake ack %q", ack)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call serializes one request/response round trip, the sequential-per-
// connection discipline spec.md §5 requires.
func (c *Client) call(req *controlplane.Request) (*controlplane.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := controlplane.WriteFrame(c.conn, controlplane.EncodeRequest(req)); err != nil {
		return nil, xerrors.Wrap("client", xerrors.IO, err, "writing request frame")
	}
	payload, err := controlplane.ReadFrame(c.reader)
	if err != nil {
		return nil, xerrors.Wrap("client", xerrors.IO, err, "reading response frame")
	}
	resp, err := controlplane.DecodeResponse(payload)
	if err != nil {
		return nil, xerrors.Wrap("client", xerrors.InvalidArgument, err, "decoding response")
	}
	if resp.Op == controlplane.OpError {
		return nil, xerrors.New("client", xerrors.Code(resp.Code), "%s", string(resp.Message))
	}
	return resp, nil
}

// SnapshotCreate creates a snapshot of the daemon's active branch.
func (c *Client) SnapshotCreate(name string) (SnapshotInfo, error) {
	resp, err := c.call(&controlplane.Request{Op: controlplane.OpSnapshotCreate, Name: []byte(name)})
	if err != nil {
		return SnapshotInfo{}, err
	}
	return snapshotInfoFromResponse(resp), nil
}

// SnapshotList lists every snapshot known to the daemon.
func (c *Client) SnapshotList() ([]SnapshotInfo, error) {
	resp, err := c.call(&controlplane.Request{Op: controlplane.OpSnapshotList})
	if err != nil {
		return nil, err
	}
	out := make([]SnapshotInfo, 0, len(resp.Snapshots))
	for _, s := range resp.Snapshots {
		out = append(out, SnapshotInfo{
			SnapshotID:   string(s.SnapshotID),
			Label:        string(s.Label),
			ParentBranch: string(s.ParentBranch),
			CreatedAt:    time.Unix(s.CreatedAtUnix, 0).UTC(),
		})
	}
	return out, nil
}

// SnapshotExport materializes snapshotID on disk for external consumption
// and returns its path along with a cleanup_token that must be released.
func (c *Client) SnapshotExport(snapshotID string) (Export, error) {
	resp, err := c.call(&controlplane.Request{Op: controlplane.OpSnapshotExport, SnapshotID: []byte(snapshotID)})
	if err != nil {
		return Export{}, err
	}
	return Export{Path: string(resp.Path), CleanupToken: string(resp.CleanupToken)}, nil
}

// SnapshotExportRelease releases a cleanup_token obtained from SnapshotExport.
func (c *Client) SnapshotExportRelease(cleanupToken string) error {
	_, err := c.call(&controlplane.Request{Op: controlplane.OpSnapshotExportRelease, CleanupToken: []byte(cleanupToken)})
	return err
}

// SnapshotDestroy explicitly reclaims snapshotID; fails with busy if it is
// still referenced by a branch or a live export.
func (c *Client) SnapshotDestroy(snapshotID string) error {
	_, err := c.call(&controlplane.Request{Op: controlplane.OpSnapshotDestroy, SnapshotID: []byte(snapshotID)})
	return err
}

// BranchCreate creates a new branch from the snapshot fromSnapshot. name
// becomes the branch's label and may be empty, which leaves the branch
// unlabeled; the branch id itself is always generated by the daemon.
func (c *Client) BranchCreate(fromSnapshot, name string) (BranchInfo, error) {
	resp, err := c.call(&controlplane.Request{
		Op:           controlplane.OpBranchCreate,
		FromSnapshot: []byte(fromSnapshot),
		Name:         []byte(name),
	})
	if err != nil {
		return BranchInfo{}, err
	}
	return BranchInfo{BranchID: string(resp.BranchID), ParentBranch: string(resp.ParentBranch)}, nil
}

// BranchDestroy explicitly reclaims branchID. Process bindings are not
// checked: a branch that processes are still bound to is destroyed all the
// same.
func (c *Client) BranchDestroy(branchID string) error {
	_, err := c.call(&controlplane.Request{Op: controlplane.OpBranchDestroy, BranchID: []byte(branchID)})
	return err
}

// BranchBind binds pid to branchID for subsequent filesystem operations.
func (c *Client) BranchBind(branchID string, pid uint32) error {
	_, err := c.call(&controlplane.Request{
		Op:       controlplane.OpBranchBind,
		BranchID: []byte(branchID),
		Pid:      pid,
		PidSet:   true,
	})
	return err
}

func snapshotInfoFromResponse(resp *controlplane.Response) SnapshotInfo {
	return SnapshotInfo{
		SnapshotID:   string(resp.SnapshotID),
		Label:        string(resp.Label),
		ParentBranch: string(resp.ParentBranch),
		CreatedAt:    time.Unix(resp.CreatedAtUnix, 0).UTC(),
	}
}
