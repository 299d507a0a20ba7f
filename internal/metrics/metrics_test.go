package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentfs/agentfs/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservePageStoreOpRecordsCounters(t *testing.T) {
	m := New()
	m.ObservePageStoreOp("read", nil, 42)
	m.ObservePageStoreOp("write", errors.New("boom"), 0)

	body := scrape(t, m)
	assert.Contains(t, body, `agentfs_store_operations_total{op="read",result="ok"} 1`)
	assert.Contains(t, body, `agentfs_store_operations_total{op="write",result="error"} 1`)
	assert.Contains(t, body, `agentfs_store_bytes_total{op="read"} 42`)
}

func TestObserveControlPlaneRequestRecordsLatency(t *testing.T) {
	m := New()
	m.ObserveControlPlaneRequest("snapshot_create", nil, 5*time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `agentfs_controlplane_requests_total{opcode="snapshot_create",result="ok"} 1`)
	assert.Contains(t, body, "agentfs_controlplane_request_duration_seconds")
}

func TestLifecycleCounters(t *testing.T) {
	m := New()
	m.IncSupervisorRestart()
	m.IncSnapshotCreated()
	m.IncBranchCreated()
	m.SetProcessesTracked(3)

	body := scrape(t, m)
	assert.Contains(t, body, "agentfs_supervisor_restarts_total 1")
	assert.Contains(t, body, "agentfs_snapshot_snapshots_created_total 1")
	assert.Contains(t, body, "agentfs_snapshot_branches_created_total 1")
	assert.Contains(t, body, "agentfs_registry_processes_tracked 3")
}

func TestNilMetricsIsSafeToUse(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObservePageStoreOp("read", nil, 1)
		m.ObserveControlPlaneRequest("x", nil, time.Millisecond)
		m.IncSupervisorRestart()
		m.IncSnapshotCreated()
		m.IncBranchCreated()
		m.SetProcessesTracked(1)
	})
}

func TestServeNoopWhenDisabled(t *testing.T) {
	err := Serve(context.Background(), cfg.MetricsConfig{Enabled: false}, New())
	require.NoError(t, err)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	return rec.Body.String()
}
