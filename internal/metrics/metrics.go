// Package metrics exposes prometheus collectors for the pipeline phases.
// All recording methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "owui_pipelines"

type Metrics struct {
	// PhaseTotal counts hook calls. Labels: pipeline, phase, status.
	PhaseTotal *prometheus.CounterVec
	// PhaseDuration measures hook latency. Labels: pipeline, phase.
	PhaseDuration *prometheus.HistogramVec
	// FilesTotal counts staged files by outcome. Labels: pipeline, outcome.
	FilesTotal *prometheus.CounterVec
	// BackendDuration measures per-file backend calls. Labels: pipeline, status.
	BackendDuration *prometheus.HistogramVec
	// ArtifactsTotal counts deletion outcomes. Labels: outcome.
	ArtifactsTotal *prometheus.CounterVec
	// ScopesSwept counts scopes reclaimed by the janitor.
	ScopesSwept prometheus.Counter
	// WorkersBusy is the number of running backend jobs.
	WorkersBusy prometheus.Gauge
	// StagedScopes is the number of live staging scopes.
	StagedScopes prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PhaseTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_total",
			Help:      "Hook invocations by pipeline, phase and status.",
		}, []string{"pipeline", "phase", "status"}),
		PhaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Hook latency by pipeline and phase.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pipeline", "phase"}),
		FilesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Staged files by outcome.",
		}, []string{"pipeline", "outcome"}),
		BackendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_duration_seconds",
			Help:      "Per-file backend call latency.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"pipeline", "status"}),
		ArtifactsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_total",
			Help:      "Upload artifact deletions by outcome.",
		}, []string{"outcome"}),
		ScopesSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scopes_swept_total",
			Help:      "Stale staging scopes reclaimed by the janitor.",
		}),
		WorkersBusy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Backend jobs currently running.",
		}),
		StagedScopes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "staged_scopes",
			Help:      "Live staging scopes.",
		}),
	}
}

func (m *Metrics) ObservePhase(pipeline, phase string, err error, started time.Time) {
	if m == nil {
		return
	}
	m.PhaseTotal.WithLabelValues(pipeline, phase, status(err)).Inc()
	m.PhaseDuration.WithLabelValues(pipeline, phase).Observe(time.Since(started).Seconds())
}

func (m *Metrics) AddFiles(pipeline, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FilesTotal.WithLabelValues(pipeline, outcome).Add(float64(n))
}

func (m *Metrics) ObserveBackend(pipeline string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BackendDuration.WithLabelValues(pipeline, status(err)).Observe(elapsed.Seconds())
}

func (m *Metrics) Artifact(outcome string) {
	if m == nil {
		return
	}
	m.ArtifactsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Swept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ScopesSwept.Add(float64(n))
}

func (m *Metrics) SetBusy(n int64) {
	if m == nil {
		return
	}
	m.WorkersBusy.Set(float64(n))
}

func (m *Metrics) SetScopes(n int) {
	if m == nil {
		return
	}
	m.StagedScopes.Set(float64(n))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
