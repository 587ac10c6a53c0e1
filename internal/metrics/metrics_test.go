package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStage("compile", true, time.Millisecond)
	m.ObserveTransition("", "empty")
	m.ObserveLease("ok", time.Millisecond)
	m.ObserveAttach(false)
}

func TestObserveStage(t *testing.T) {
	m := New()
	m.ObserveStage("verify", false, 10*time.Millisecond)
	m.ObserveStage("verify", false, 10*time.Millisecond)
	m.ObserveStage("verify", true, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.StageAttempts.WithLabelValues("verify", "failure")); got != 2 {
		t.Errorf("verify failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StageAttempts.WithLabelValues("verify", "success")); got != 1 {
		t.Errorf("verify successes = %v, want 1", got)
	}
}

func TestObserveAttach(t *testing.T) {
	m := New()
	m.ObserveAttach(true)
	m.ObserveAttach(false)
	m.ObserveAttach(false)

	if got := testutil.ToFloat64(m.Attaches.WithLabelValues("success")); got != 1 {
		t.Errorf("attach successes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Attaches.WithLabelValues("failure")); got != 2 {
		t.Errorf("attach failures = %v, want 2", got)
	}
}

func TestObserveTransitionTracksGauge(t *testing.T) {
	m := New()
	m.ObserveTransition("", "empty")
	m.ObserveTransition("empty", "source_set")
	m.ObserveTransition("source_set", "loaded")

	if got := testutil.ToFloat64(m.Functions.WithLabelValues("loaded")); got != 1 {
		t.Errorf("loaded gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Functions.WithLabelValues("empty")); got != 0 {
		t.Errorf("empty gauge = %v, want 0", got)
	}

	m.ObserveTransition("loaded", "unloaded")
	if got := testutil.ToFloat64(m.Functions.WithLabelValues("loaded")); got != 0 {
		t.Errorf("loaded gauge after unload = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.Functions.WithLabelValues("unloaded")); got != 0 {
		t.Errorf("unloaded gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("source_set", "loaded")); got != 1 {
		t.Errorf("source_set->loaded transitions = %v, want 1", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveLease("not_ready", 200*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`bpffs_handle_leases_total{outcome="not_ready"} 1`,
		"bpffs_handle_lease_wait_seconds_count 1",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
