// Package metrics exposes the daemon's Prometheus instrumentation: page
// store operation counts/bytes, control-plane request counts and latency,
// and supervisor restart/snapshot/branch lifecycle counters. It follows the
// teacher's choice of github.com/prometheus/client_golang for metrics
// rather than hand-rolled counters.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/agentfs/agentfs/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns every Prometheus collector the daemon publishes, registered
// against a private registry so a test can spin up multiple independent
// instances without colliding on the default global registry.
type Metrics struct {
	registry *prometheus.Registry

	pageStoreOps    *prometheus.CounterVec
	pageStoreBytes  *prometheus.CounterVec
	controlPlaneReq *prometheus.CounterVec
	controlPlaneDur *prometheus.HistogramVec

	supervisorRestarts prometheus.Counter
	snapshotsCreated   prometheus.Counter
	branchesCreated    prometheus.Counter
	processesTracked   prometheus.Gauge
}

// New builds and registers the daemon's metric collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		pageStoreOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentfs",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Page store operations by kind and result.",
		}, []string{"op", "result"}),
		pageStoreBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentfs",
			Subsystem: "store",
			Name:      "bytes_total",
			Help:      "Bytes moved through the page store by operation kind.",
		}, []string{"op"}),
		controlPlaneReq: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentfs",
			Subsystem: "controlplane",
			Name:      "requests_total",
			Help:      "Control-plane requests by opcode and result.",
		}, []string{"opcode", "result"}),
		controlPlaneDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentfs",
			Subsystem: "controlplane",
			Name:      "request_duration_seconds",
			Help:      "Control-plane request handling latency by opcode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"opcode"}),
		supervisorRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentfs",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Number of times the supervisor has restarted the daemon.",
		}),
		snapshotsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentfs",
			Subsystem: "snapshot",
			Name:      "snapshots_created_total",
			Help:      "Number of snapshots created over the daemon's lifetime.",
		}),
		branchesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentfs",
			Subsystem: "snapshot",
			Name:      "branches_created_total",
			Help:      "Number of branches created over the daemon's lifetime.",
		}),
		processesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentfs",
			Subsystem: "registry",
			Name:      "processes_tracked",
			Help:      "Current number of processes tracked by the process registry.",
		}),
	}

	reg.MustRegister(
		m.pageStoreOps,
		m.pageStoreBytes,
		m.controlPlaneReq,
		m.controlPlaneDur,
		m.supervisorRestarts,
		m.snapshotsCreated,
		m.branchesCreated,
		m.processesTracked,
	)
	return m
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObservePageStoreOp records one page-store operation (read/write/truncate/
// discard), its outcome, and how many bytes it moved.
func (m *Metrics) ObservePageStoreOp(op string, err error, bytes int) {
	if m == nil {
		return
	}
	m.pageStoreOps.WithLabelValues(op, resultLabel(err)).Inc()
	if bytes > 0 {
		m.pageStoreBytes.WithLabelValues(op).Add(float64(bytes))
	}
}

// ObserveControlPlaneRequest records one dispatched control-plane request's
// opcode, outcome, and handling latency.
func (m *Metrics) ObserveControlPlaneRequest(opcode string, err error, dur time.Duration) {
	if m == nil {
		return
	}
	m.controlPlaneReq.WithLabelValues(opcode, resultLabel(err)).Inc()
	m.controlPlaneDur.WithLabelValues(opcode).Observe(dur.Seconds())
}

func (m *Metrics) IncSupervisorRestart() {
	if m == nil {
		return
	}
	m.supervisorRestarts.Inc()
}

func (m *Metrics) IncSnapshotCreated() {
	if m == nil {
		return
	}
	m.snapshotsCreated.Inc()
}

func (m *Metrics) IncBranchCreated() {
	if m == nil {
		return
	}
	m.branchesCreated.Inc()
}

func (m *Metrics) SetProcessesTracked(n int) {
	if m == nil {
		return
	}
	m.processesTracked.Set(float64(n))
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing /metrics until ctx is canceled. It is
// a no-op returning nil immediately if cfg.Enabled is false.
func Serve(ctx context.Context, config cfg.MetricsConfig, m *Metrics) error {
	if !config.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: config.ListenAddress, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
