package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/agentfs/agentfs/internal/clock"
	"github.com/agentfs/agentfs/internal/logger"
	"github.com/agentfs/agentfs/internal/metrics"
	"github.com/jacobsa/daemonize"
	"github.com/jpillora/backoff"
	"github.com/kardianos/osext"
	"golang.org/x/sys/unix"
)

// MountRequest names the (repo_root, runtime_dir, socket_path) triple a
// session is keyed on, plus everything needed to spawn the daemon command
// line described in spec.md §6.
type MountRequest struct {
	RepoRoot   string
	RuntimeDir string
	SocketPath string

	// DaemonBin is the agentfs-daemon executable to spawn. Empty resolves,
	// in order, $AGENTFS_INTERPOSE_DAEMON_BIN then this process's own
	// executable path (kardianos/osext), mirroring the teacher's own
	// re-exec-self daemonization.
	DaemonBin string

	OwnerUid int
	OwnerGid int

	LogLevel string
	LogFile  string

	BackstoreMode   string
	BackstoreRoot   string
	BackstoreSizeMb int

	MountTimeoutMs int
}

// sameTriple reports whether a and b name the same mount target, the
// identity spec.md §4.H's mount idempotency is keyed on.
func sameTriple(a, b MountRequest) bool {
	return a.RepoRoot == b.RepoRoot && a.RuntimeDir == b.RuntimeDir && a.SocketPath == b.SocketPath
}

func resolveDaemonBin(req MountRequest) (string, error) {
	if req.DaemonBin != "" {
		return req.DaemonBin, nil
	}
	if p, ok := os.LookupEnv("AGENTFS_INTERPOSE_DAEMON_BIN"); ok && p != "" {
		return p, nil
	}
	return osext.Executable()
}

func (req MountRequest) buildArgs() []string {
	args := []string{req.SocketPath, "--lower-dir", req.RepoRoot}
	if req.OwnerUid >= 0 {
		args = append(args, "--owner-uid", strconv.Itoa(req.OwnerUid))
	}
	if req.OwnerGid >= 0 {
		args = append(args, "--owner-gid", strconv.Itoa(req.OwnerGid))
	}
	if req.LogLevel != "" {
		args = append(args, "--log-level", req.LogLevel)
	}
	if req.LogFile != "" {
		args = append(args, "--log-file", req.LogFile)
	}
	if req.BackstoreMode != "" {
		args = append(args, "--backstore-mode", req.BackstoreMode)
	}
	if req.BackstoreRoot != "" {
		args = append(args, "--backstore-root", req.BackstoreRoot)
	}
	if req.BackstoreSizeMb > 0 {
		args = append(args, "--backstore-size-mb", strconv.Itoa(req.BackstoreSizeMb))
	}
	args = append(args, "--runtime-dir", req.RuntimeDir)
	return args
}

// session runs one daemon's state machine: starting -> running -> backing_off
// -> starting, with any -> unmounted/failed, per spec.md §4.H. Exactly one
// session is active per Supervisor at a time; a replacement session is
// started and awaited before the old one is torn down.
type session struct {
	req     MountRequest
	clk     clock.Clock
	metrics *metrics.Metrics
	log     *logger.Logger

	// spawn defaults to (*session).spawnAndWaitReady; tests substitute a
	// fake to drive the state machine without forking a real process.
	spawn func() (int, error)
	// alive defaults to processAlive; tests substitute a fake pid table.
	alive func(pid int) bool

	mu     sync.Mutex
	status Status

	readyCh   chan error // first readiness/failure signal, closed-once by run()
	readyOnce sync.Once

	stopCh chan struct{} // closed by stop() to ask run() to exit
	doneCh chan struct{} // closed by run() when it has exited
}

func newSession(req MountRequest, clk clock.Clock, m *metrics.Metrics) *session {
	s := &session{
		req:     req,
		clk:     clk,
		metrics: m,
		log:     logger.NewComponent("supervisor"),
		alive:   processAlive,
		status: Status{
			State:      StateUnknown,
			SocketPath: req.SocketPath,
			RuntimeDir: req.RuntimeDir,
			RepoRoot:   req.RepoRoot,
			LogPath:    req.LogFile,
		},
		readyCh: make(chan error, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	s.spawn = s.spawnAndWaitReady
	return s
}

func (s *session) currentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *session) setState(state State, pid int, lastErr error) {
	s.mu.Lock()
	s.status.State = state
	if pid != 0 {
		s.status.Pid = pid
	}
	if lastErr != nil {
		s.status.LastError = lastErr.Error()
	} else if state == StateRunning {
		s.status.LastError = ""
	}
	status := s.status
	s.mu.Unlock()

	if err := writeStatusFile(s.req.RuntimeDir, status); err != nil {
		s.log.Warnf("writing status.json: %v", err)
	}
}

func (s *session) incrementRestartCount() {
	s.mu.Lock()
	s.status.RestartCount++
	s.mu.Unlock()
}

// signalReady delivers the outcome of the very first spawn attempt to
// whoever is blocked in awaitReady (the Mount caller); later spawns during
// the session's lifetime (restarts after a crash) do not replay it.
func (s *session) signalReady(err error) {
	s.readyOnce.Do(func() {
		s.readyCh <- err
		close(s.readyCh)
	})
}

// awaitReady blocks until the session's first spawn attempt completes or
// ctx is canceled, implementing mount_timeout_ms (spec.md §5).
func (s *session) awaitReady(ctx context.Context) error {
	select {
	case err := <-s.readyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives the state machine until stop() is called; a failed spawn or
// an exited daemon is followed by a backoff wait and a new spawn attempt.
// It must be started in its own goroutine.
func (s *session) run() {
	defer close(s.doneCh)

	b := &backoff.Backoff{Min: 1 * time.Second, Max: 30 * time.Second, Factor: 2, Jitter: false}
	first := true

	for {
		select {
		case <-s.stopCh:
			s.setState(StateUnmounted, 0, nil)
			return
		default:
		}

		s.setState(StateStarting, 0, nil)
		pid, err := s.spawn()
		if err != nil {
			if !first {
				s.metrics.IncSupervisorRestart()
			}
			s.signalReady(err)
			s.setState(StateBackingOff, 0, err)
			if s.waitBackoffOrStop(b.Duration()) {
				s.setState(StateUnmounted, 0, nil)
				return
			}
			first = false
			continue
		}

		b.Reset()
		s.signalReady(nil)
		s.setState(StateRunning, pid, nil)
		first = false

		// Monitor liveness until the process exits, the socket disappears,
		// or stop() is requested.
		exitErr := s.monitorUntilExitOrStop(pid)
		if exitErr == errStopRequested {
			s.terminate(pid)
			s.setState(StateUnmounted, 0, nil)
			return
		}

		s.metrics.IncSupervisorRestart()
		s.incrementRestartCount()
		s.setState(StateBackingOff, 0, exitErr)
		if s.waitBackoffOrStop(b.Duration()) {
			s.setState(StateUnmounted, 0, nil)
			return
		}
	}
}

// spawnAndWaitReady launches the daemon via daemonize.Run, which blocks
// until the child signals its outcome over the daemonize pipe (the same
// handshake the teacher's own cmd/legacy_main.go performs), returning the
// pid read back from the daemon's own pid file once that succeeds.
func (s *session) spawnAndWaitReady() (int, error) {
	bin, err := resolveDaemonBin(s.req)
	if err != nil {
		return 0, fmt.Errorf("supervisor: resolving daemon binary: %w", err)
	}

	if err := os.MkdirAll(s.req.RuntimeDir, 0o700); err != nil {
		return 0, fmt.Errorf("supervisor: creating runtime dir: %w", err)
	}

	var out bytes.Buffer
	args := s.req.buildArgs()
	env := os.Environ()
	if err := daemonize.Run(bin, args, env, &out); err != nil {
		return 0, fmt.Errorf("supervisor: daemonize.Run: %w: %s", err, out.String())
	}

	pid, err := readPidFile(s.req.RuntimeDir)
	if err != nil {
		return 0, fmt.Errorf("supervisor: reading pid file after spawn: %w", err)
	}
	return pid, nil
}

var errStopRequested = fmt.Errorf("supervisor: stop requested")

const livenessPollInterval = 500 * time.Millisecond

// monitorUntilExitOrStop polls pid liveness and the socket file's presence
// until one of them disappears (the process died or was replaced out from
// under us) or stop() is called.
func (s *session) monitorUntilExitOrStop(pid int) error {
	for {
		select {
		case <-s.stopCh:
			return errStopRequested
		case <-s.clk.After(livenessPollInterval):
		}

		if !s.alive(pid) {
			return fmt.Errorf("supervisor: daemon process %d exited", pid)
		}
		if _, err := os.Stat(s.req.SocketPath); err != nil {
			return fmt.Errorf("supervisor: control-plane socket missing: %w", err)
		}
	}
}

// waitBackoffOrStop sleeps for d, or returns early (true) if stop() is
// called while waiting.
func (s *session) waitBackoffOrStop(d time.Duration) bool {
	select {
	case <-s.stopCh:
		return true
	case <-s.clk.After(d):
		return false
	}
}

const (
	terminateGracePeriod = 5 * time.Second
)

// terminate sends SIGTERM and escalates to SIGKILL after a grace period,
// per spec.md §5's "termination uses SIGTERM with a bounded grace period,
// escalating to SIGKILL."
func (s *session) terminate(pid int) {
	if pid == 0 {
		return
	}
	_ = unix.Kill(pid, unix.SIGTERM)

	deadline := time.Now().Add(terminateGracePeriod)
	for time.Now().Before(deadline) {
		if !s.alive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	if s.alive(pid) {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
}

// stop requests the session's run loop to exit, then blocks until it has.
func (s *session) stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 performs no-op existence/permission checks without
	// delivering anything, the standard liveness probe.
	return unix.Kill(pid, 0) == nil
}

func readPidFile(runtimeDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(runtimeDir, "agentfs-daemon.pid"))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(bytes.TrimSpace(data)))
}
