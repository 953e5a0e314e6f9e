package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return New(prometheus.NewRegistry())
}

func TestObservePhase(t *testing.T) {
	m := newTestMetrics(t)
	m.ObservePhase("pii-pipeline", "inlet", nil, time.Now())
	m.ObservePhase("pii-pipeline", "outlet", errors.New("permission denied"), time.Now())

	if v := testutil.ToFloat64(m.PhaseTotal.WithLabelValues("pii-pipeline", "inlet", "success")); v != 1 {
		t.Errorf("inlet success = %f, want 1", v)
	}
	if v := testutil.ToFloat64(m.PhaseTotal.WithLabelValues("pii-pipeline", "outlet", "error")); v != 1 {
		t.Errorf("outlet error = %f, want 1", v)
	}
	if n := testutil.CollectAndCount(m.PhaseDuration); n != 2 {
		t.Errorf("phase duration series = %d, want 2", n)
	}
}

func TestCountersAndGauges(t *testing.T) {
	m := newTestMetrics(t)
	m.AddFiles("p", "admitted", 3)
	m.AddFiles("p", "admitted", 0)
	m.Artifact("removed")
	m.Swept(2)
	m.SetBusy(4)
	m.SetScopes(7)
	m.ObserveBackend("p", nil, time.Second)

	if v := testutil.ToFloat64(m.FilesTotal.WithLabelValues("p", "admitted")); v != 3 {
		t.Errorf("files admitted = %f, want 3", v)
	}
	if v := testutil.ToFloat64(m.ArtifactsTotal.WithLabelValues("removed")); v != 1 {
		t.Errorf("artifacts removed = %f, want 1", v)
	}
	if v := testutil.ToFloat64(m.ScopesSwept); v != 2 {
		t.Errorf("scopes swept = %f, want 2", v)
	}
	if v := testutil.ToFloat64(m.WorkersBusy); v != 4 {
		t.Errorf("workers busy = %f, want 4", v)
	}
	if v := testutil.ToFloat64(m.StagedScopes); v != 7 {
		t.Errorf("staged scopes = %f, want 7", v)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObservePhase("p", "pipe", nil, time.Now())
	m.AddFiles("p", "x", 1)
	m.Artifact("removed")
	m.Swept(1)
	m.SetBusy(1)
	m.SetScopes(1)
	m.ObserveBackend("p", nil, time.Second)
}
