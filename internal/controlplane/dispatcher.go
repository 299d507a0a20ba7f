package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"github.com/agentfs/agentfs/internal/metrics"
	"github.com/agentfs/agentfs/internal/registry"
	"github.com/agentfs/agentfs/internal/snapshot"
	"github.com/agentfs/agentfs/internal/vfs/types"
	"github.com/agentfs/agentfs/internal/xerrors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Handshake mirrors the client->daemon identity payload from spec.md §6.
// It arrives as a JSON line (not a framed binary message) terminated by
// '\n', ahead of any length-framed request.
type Handshake struct {
	Version string `json:"version"`
	Shim    struct {
		Name         string   `json:"name"`
		CrateVersion string   `json:"crate_version"`
		Features     []string `json:"features"`
	} `json:"shim"`
	Process struct {
		Pid     uint32 `json:"pid"`
		Ppid    uint32 `json:"ppid"`
		Uid     uint32 `json:"uid"`
		Gid     uint32 `json:"gid"`
		ExePath string `json:"exe_path"`
		ExeName string `json:"exe_name"`
	} `json:"process"`
	Allowlist struct {
		MatchedEntry      string   `json:"matched_entry,omitempty"`
		ConfiguredEntries []string `json:"configured_entries,omitempty"`
	} `json:"allowlist"`
	Timestamp string `json:"timestamp"`
}

const handshakeAck = "OK\n"

// Dispatcher serves the control-plane protocol over accepted connections,
// applying each request to a snapshot.Manager. Processing within one
// connection is strictly sequential, per spec.md §4.G's ordering guarantee;
// separate connections run concurrently under an errgroup.
type Dispatcher struct {
	manager  *snapshot.Manager
	registry *registry.Registry
	log      *slog.Logger
	metrics  *metrics.Metrics

	// requestsPerSecond/burst parameterize the per-connection rate.Limiter
	// installed in handleConn (spec.md §5 backpressure); zero disables
	// limiting entirely and handleConn skips the Wait call.
	requestsPerSecond rate.Limit
	burst             int
}

// Option configures optional Dispatcher behavior.
type Option func(*Dispatcher)

// WithMetrics instruments every dispatched request with per-opcode counters
// and latency histograms. A nil m leaves the dispatcher uninstrumented
// (Metrics' methods are nil-safe, so this is equivalent to not calling the
// option at all).
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRateLimit caps each connection's sustained request rate to rps with
// bursts up to burst, the per-connection backpressure control named in
// spec.md §5. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(d *Dispatcher) {
		d.requestsPerSecond = rate.Limit(rps)
		d.burst = burst
	}
}

func NewDispatcher(manager *snapshot.Manager, reg *registry.Registry, log *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{manager: manager, registry: reg, log: log}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Serve accepts connections on ln until ctx is canceled, running each
// connection's handler in its own errgroup goroutine so one connection's
// error doesn't take down the others.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return g.Wait()
			default:
				return err
			}
		}
		g.Go(func() error {
			d.handleConn(conn)
			return nil
		})
	}
}

func (d *Dispatcher) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		d.log.Warn("controlplane: handshake read failed", "err", err)
		return
	}
	var hs Handshake
	if err := json.Unmarshal([]byte(line), &hs); err != nil {
		d.log.Warn("controlplane: malformed handshake", "err", err)
		return
	}
	if hs.Version != ProtocolVersion {
		d.log.Warn("controlplane: version mismatch, closing", "client_version", hs.Version)
		return
	}
	if _, err := conn.Write([]byte(handshakeAck)); err != nil {
		return
	}

	var limiter *rate.Limiter
	if d.requestsPerSecond > 0 {
		limiter = rate.NewLimiter(d.requestsPerSecond, d.burst)
	}

	for {
		payload, err := ReadFrame(reader)
		if err != nil {
			return
		}
		if limiter != nil {
			// A connection that exceeds its budget waits here rather than
			// having requests queued or dropped; per spec.md §5 at most
			// one request is ever in flight per connection regardless.
			if err := limiter.Wait(context.Background()); err != nil {
				return
			}
		}
		resp := d.dispatch(payload)
		if err := WriteFrame(conn, EncodeResponse(resp)); err != nil {
			return
		}
	}
}

func (d *Dispatcher) dispatch(payload []byte) *Response {
	start := time.Now()
	req, err := DecodeRequest(payload)
	if err != nil {
		resp := errorResponse(err)
		d.metrics.ObserveControlPlaneRequest("malformed", err, time.Since(start))
		return resp
	}

	var resp *Response
	switch req.Op {
	case OpSnapshotCreate:
		resp = d.handleSnapshotCreate(req)
	case OpSnapshotList:
		resp = d.handleSnapshotList()
	case OpSnapshotExport:
		resp = d.handleSnapshotExport(req)
	case OpSnapshotExportRelease:
		resp = d.handleSnapshotExportRelease(req)
	case OpBranchCreate:
		resp = d.handleBranchCreate(req)
	case OpBranchBind:
		resp = d.handleBranchBind(req)
	case OpSnapshotDestroy:
		resp = d.handleSnapshotDestroy(req)
	case OpBranchDestroy:
		resp = d.handleBranchDestroy(req)
	default:
		resp = errorResponse(xerrors.New("controlplane", xerrors.NotSupported, "unhandled opcode %d", req.Op))
	}

	var opErr error
	if resp.Op == OpError {
		opErr = xerrors.New("controlplane", xerrors.Code(resp.Code), string(resp.Message))
	}
	d.metrics.ObserveControlPlaneRequest(req.Op.Name(), opErr, time.Since(start))
	return resp
}

func (d *Dispatcher) handleSnapshotCreate(req *Request) *Response {
	branches := d.manager.BranchList()
	if len(branches) == 0 {
		return errorResponse(xerrors.New("controlplane", xerrors.InvalidArgument, "no active branch to snapshot"))
	}
	// The source branch for an unqualified snapshot_create is the
	// daemon's sole root branch in this single-repo daemon model; a
	// multi-branch caller must select via BranchBind before calling.
	srcBranch := branches[0].ID
	snapID, err := d.manager.SnapshotCreate(srcBranch, string(req.Name))
	if err != nil {
		return errorResponse(err)
	}
	d.metrics.IncSnapshotCreated()
	return &Response{Op: OpSnapshotInfo, SnapshotID: []byte(snapID), Label: req.Name, ParentBranch: []byte(srcBranch)}
}

func (d *Dispatcher) handleSnapshotList() *Response {
	snaps := d.manager.SnapshotList()
	entries := make([]SnapshotListEntry, 0, len(snaps))
	for _, s := range snaps {
		entries = append(entries, SnapshotListEntry{
			SnapshotID:    []byte(s.ID),
			Label:         []byte(s.Label),
			ParentBranch:  []byte(s.ParentBranch),
			CreatedAtUnix: s.CreatedAt.Unix(),
		})
	}
	return &Response{Op: OpSnapshotListResult, Snapshots: entries}
}

func (d *Dispatcher) handleSnapshotExport(req *Request) *Response {
	if len(req.SnapshotID) == 0 {
		return errorResponse(xerrors.New("controlplane", xerrors.InvalidArgument, "snapshot_id is required"))
	}
	path, token, err := d.manager.SnapshotExport(types.SnapshotID(req.SnapshotID))
	if err != nil {
		return errorResponse(err)
	}
	return &Response{Op: OpSnapshotExportResult, Path: []byte(path), CleanupToken: []byte(token)}
}

func (d *Dispatcher) handleSnapshotExportRelease(req *Request) *Response {
	if len(req.CleanupToken) == 0 {
		return errorResponse(xerrors.New("controlplane", xerrors.InvalidArgument, "cleanup_token is required"))
	}
	if err := d.manager.SnapshotExportRelease(string(req.CleanupToken)); err != nil {
		return errorResponse(err)
	}
	return &Response{Op: OpBindAck}
}

func (d *Dispatcher) handleBranchCreate(req *Request) *Response {
	if len(req.FromSnapshot) == 0 {
		return errorResponse(xerrors.New("controlplane", xerrors.InvalidArgument, "from_snapshot is required"))
	}
	branchID, err := d.manager.BranchCreateFromSnapshot(types.SnapshotID(req.FromSnapshot), string(req.Name))
	if err != nil {
		return errorResponse(err)
	}
	d.metrics.IncBranchCreated()
	return &Response{Op: OpBranchInfo, BranchID: []byte(branchID), ParentBranch: req.FromSnapshot}
}

// handleSnapshotDestroy implements the SUPPLEMENTED FEATURES explicit
// reclamation path: same busy-if-referenced rules as the background GC
// sweep, but deterministic and synchronous.
func (d *Dispatcher) handleSnapshotDestroy(req *Request) *Response {
	if len(req.SnapshotID) == 0 {
		return errorResponse(xerrors.New("controlplane", xerrors.InvalidArgument, "snapshot_id is required"))
	}
	if err := d.manager.SnapshotDestroy(types.SnapshotID(req.SnapshotID)); err != nil {
		return errorResponse(err)
	}
	return &Response{Op: OpBindAck}
}

func (d *Dispatcher) handleBranchDestroy(req *Request) *Response {
	if len(req.BranchID) == 0 {
		return errorResponse(xerrors.New("controlplane", xerrors.InvalidArgument, "branch_id is required"))
	}
	if err := d.manager.BranchDestroy(types.BranchID(req.BranchID)); err != nil {
		return errorResponse(err)
	}
	return &Response{Op: OpBindAck}
}

func (d *Dispatcher) handleBranchBind(req *Request) *Response {
	if len(req.BranchID) == 0 {
		return errorResponse(xerrors.New("controlplane", xerrors.InvalidArgument, "branch_id is required"))
	}
	if !req.PidSet {
		return errorResponse(xerrors.New("controlplane", xerrors.InvalidArgument, "pid is required"))
	}
	d.registry.Bind(req.Pid, types.BranchID(req.BranchID))
	return &Response{Op: OpBindAck}
}

func errorResponse(err error) *Response {
	return &Response{
		Op:      OpError,
		Message: []byte(err.Error()),
		Code:    uint32(xerrors.CodeOf(err)),
	}
}
