// Package metrics exports Prometheus metrics for the scheduler, the gate and the sinks.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
	"github.com/hochfrequenz/variation-orchestrator/internal/gate"
	"github.com/hochfrequenz/variation-orchestrator/internal/sink"
)

// Metrics holds all collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Gate
	ActiveRuns     prometheus.Gauge
	ActiveJobs     prometheus.Gauge
	GateRejections prometheus.Counter

	// Runs
	RunsFinished *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec

	// Jobs
	JobsCreated       prometheus.Counter
	JobCreateFailures prometheus.Counter
	JobDeleteFailures prometheus.Counter
	StatusErrors      prometheus.Counter
	PollCycles        prometheus.Counter

	// Output
	ChunksWritten *prometheus.CounterVec
	ChunkFailures prometheus.Counter

	// WebSocket
	WSConnectionsActive prometheus.Gauge
}

// New creates the collectors on a fresh registry
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_active_runs",
			Help:      "Runs currently admitted",
		}),
		ActiveJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_active_jobs",
			Help:      "Jobs currently admitted",
		}),
		GateRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_rejections_total",
			Help:      "Runs refused because the gate was at capacity",
		}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status",
		}, []string{"status"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Run duration from start to terminal status",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		}, []string{"status"}),
		JobsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Jobs created on the backend",
		}),
		JobCreateFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_create_failures_total",
			Help:      "Job creations that failed",
		}),
		JobDeleteFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_delete_failures_total",
			Help:      "Job deletions that failed",
		}),
		StatusErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_status_errors_total",
			Help:      "Failed job status polls",
		}),
		PollCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Completion-wait poll cycles",
		}),
		ChunksWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_written_total",
			Help:      "Output chunks stored by content type",
		}, []string{"content_type"}),
		ChunkFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_write_failures_total",
			Help:      "Output chunks that could not be stored",
		}),
		WSConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections_active",
			Help:      "Open chunk streaming websockets",
		}),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveGate mirrors the gate counters; use it as the gate's change callback
func (m *Metrics) ObserveGate(c gate.Counters) {
	if m == nil {
		return
	}
	m.ActiveRuns.Set(float64(c.ActiveRuns))
	m.ActiveJobs.Set(float64(c.ActiveJobs))
}

func (m *Metrics) GateRejected() {
	if m == nil {
		return
	}
	m.GateRejections.Inc()
}

// RunFinished records a terminal run
func (m *Metrics) RunFinished(status domain.RunStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(string(status)).Inc()
	m.RunDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

func (m *Metrics) JobCreated(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.JobCreateFailures.Inc()
		return
	}
	m.JobsCreated.Inc()
}

func (m *Metrics) JobDeleteFailed() {
	if m == nil {
		return
	}
	m.JobDeleteFailures.Inc()
}

func (m *Metrics) StatusError() {
	if m == nil {
		return
	}
	m.StatusErrors.Inc()
}

func (m *Metrics) PollCycle() {
	if m == nil {
		return
	}
	m.PollCycles.Inc()
}

// WSConnected tracks an open websocket and returns the function closing it
func (m *Metrics) WSConnected() func() {
	if m == nil {
		return func() {}
	}
	m.WSConnectionsActive.Inc()
	return m.WSConnectionsActive.Dec
}

// CountingSink counts every chunk written through inner
func (m *Metrics) CountingSink(inner sink.OutputSink) sink.OutputSink {
	if m == nil {
		return inner
	}
	return &countingSink{inner: inner, m: m}
}

type countingSink struct {
	inner sink.OutputSink
	m     *Metrics
}

func (s *countingSink) Write(ctx context.Context, chunk domain.OutputChunk) (bool, error) {
	ok, err := s.inner.Write(ctx, chunk)
	if ok && err == nil {
		s.m.ChunksWritten.WithLabelValues(string(chunk.ContentType)).Inc()
	} else {
		s.m.ChunkFailures.Inc()
	}
	return ok, err
}
