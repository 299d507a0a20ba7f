package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := Status{
		State:        StateRunning,
		Pid:          123,
		RestartCount: 2,
		SocketPath:   "/run/agentfs.sock",
		RuntimeDir:   dir,
		RepoRoot:     "/repo",
	}

	require.NoError(t, writeStatusFile(dir, want))

	got, err := readStatusFile(dir)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadStatusFileMissingReportsUnknown(t *testing.T) {
	got, err := readStatusFile(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, got.State)
}
