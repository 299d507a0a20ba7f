// Package supervisor owns the lifetime of the agentfs-daemon process: it
// spawns the daemon, waits for it to become ready, restarts it with
// exponential backoff if it dies, and persists a status.json snapshot
// after every state transition (spec.md §4.H). This mirrors the teacher's
// own daemonize-based mount daemonization in cmd/legacy_main.go, but kept
// alive as a long-running supervisory loop rather than a one-shot fork.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentfs/agentfs/internal/clock"
	"github.com/agentfs/agentfs/internal/logger"
	"github.com/agentfs/agentfs/internal/metrics"
	"github.com/agentfs/agentfs/internal/xerrors"
)

// Supervisor owns at most one active session (one mounted daemon) at a
// time. It is safe for concurrent use by multiple callers issuing
// Mount/Unmount/Status calls.
type Supervisor struct {
	mu      sync.Mutex
	current *session

	clk     clock.Clock
	metrics *metrics.Metrics
	log     *logger.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock overrides the real-time clock the backoff schedule and
// liveness polling run on, for deterministic tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Supervisor) { s.clk = clk }
}

// WithMetrics instruments restarts with internal/metrics' supervisor
// counter. A nil m leaves the supervisor uninstrumented.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		clk: clock.RealClock{},
		log: logger.NewComponent("supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mount starts (or reuses) a session for req. If the current session
// targets the same (repo_root, runtime_dir, socket_path) triple and is
// starting or running, the call is a no-op and returns the existing session's status (spec.md §4.H
// idempotency). Otherwise a new session is started, its first readiness
// is awaited up to req.MountTimeoutMs, and only once it succeeds is any
// prior session torn down.
func (s *Supervisor) Mount(ctx context.Context, req MountRequest) (Status, error) {
	s.mu.Lock()
	existing := s.current
	s.mu.Unlock()

	if existing != nil && sameTriple(existing.req, req) {
		if status := existing.currentStatus(); status.State == StateRunning || status.State == StateStarting {
			return existing.currentStatus(), nil
		}
	}

	timeout := time.Duration(req.MountTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	next := newSession(req, s.clk, s.metrics)
	go next.run()

	if err := next.awaitReady(readyCtx); err != nil {
		next.stop()
		if readyCtx.Err() != nil {
			return Status{}, xerrors.New("supervisor", xerrors.WouldBlock, "mount timed out waiting for daemon readiness")
		}
		return Status{}, xerrors.Wrap("supervisor", xerrors.IO, err, "daemon failed to become ready")
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()

	if existing != nil {
		s.log.Infof("replacing session for %s with new session", existing.req.RepoRoot)
		existing.stop()
	}

	return next.currentStatus(), nil
}

// Unmount stops the active session, if any, and is a no-op otherwise.
func (s *Supervisor) Unmount(ctx context.Context) error {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	if cur == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		cur.stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor: unmount canceled: %w", ctx.Err())
	}
}

// Status returns the current session's last-persisted status, or a synthetic
// StateUnknown status if nothing is mounted.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()

	if cur == nil {
		return Status{State: StateUnknown}
	}
	return cur.currentStatus()
}
