package supervisor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentfs/agentfs/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) *session {
	t.Helper()
	req := MountRequest{
		RepoRoot:   "/repo",
		RuntimeDir: t.TempDir(),
		SocketPath: "/tmp/agentfs-test.sock",
	}
	s := newSession(req, &clock.FakeClock{WaitTime: time.Millisecond}, nil)
	return s
}

func TestSessionReachesRunningOnSuccessfulSpawn(t *testing.T) {
	s := newTestSession(t)
	s.spawn = func() (int, error) { return 4242, nil }
	s.alive = func(int) bool { return true }

	go s.run()
	require.NoError(t, s.awaitReady(t.Context()))

	assert.Eventually(t, func() bool {
		return s.currentStatus().State == StateRunning
	}, time.Second, time.Millisecond)
	assert.Equal(t, 4242, s.currentStatus().Pid)

	s.stop()
	assert.Equal(t, StateUnmounted, s.currentStatus().State)
}

func TestSessionBacksOffOnSpawnFailure(t *testing.T) {
	s := newTestSession(t)
	var attempts int32
	s.spawn = func() (int, error) {
		atomic.AddInt32(&attempts, 1)
		return 0, assertErr
	}

	go s.run()
	err := s.awaitReady(t.Context())
	assert.ErrorIs(t, err, assertErr)

	assert.Eventually(t, func() bool {
		return s.currentStatus().State == StateBackingOff
	}, time.Second, time.Millisecond)

	s.stop()
}

func TestSessionRestartsAfterProcessExit(t *testing.T) {
	s := newTestSession(t)
	var aliveFlag atomic.Bool
	aliveFlag.Store(true)
	s.spawn = func() (int, error) { return 99, nil }
	s.alive = func(int) bool { return aliveFlag.Load() }

	go s.run()
	require.NoError(t, s.awaitReady(t.Context()))
	assert.Eventually(t, func() bool {
		return s.currentStatus().State == StateRunning
	}, time.Second, time.Millisecond)

	aliveFlag.Store(false)

	assert.Eventually(t, func() bool {
		status := s.currentStatus()
		return status.State == StateBackingOff && status.RestartCount == 1
	}, 2*time.Second, time.Millisecond)

	s.stop()
}

func TestSameTriple(t *testing.T) {
	a := MountRequest{RepoRoot: "/r", RuntimeDir: "/rt", SocketPath: "/s"}
	b := a
	assert.True(t, sameTriple(a, b))

	b.SocketPath = "/other"
	assert.False(t, sameTriple(a, b))
}

func TestBuildArgs(t *testing.T) {
	req := MountRequest{
		RepoRoot:   "/repo",
		RuntimeDir: "/run",
		SocketPath: "/run/agentfs.sock",
		OwnerUid:   1000,
		OwnerGid:   1000,
		LogLevel:   "INFO",
	}
	args := req.buildArgs()
	assert.Equal(t, []string{
		"/run/agentfs.sock", "--lower-dir", "/repo",
		"--owner-uid", "1000", "--owner-gid", "1000",
		"--log-level", "INFO",
		"--runtime-dir", "/run",
	}, args)
}

var assertErr = &testSpawnError{"spawn failed"}

type testSpawnError struct{ msg string }

func (e *testSpawnError) Error() string { return e.msg }
