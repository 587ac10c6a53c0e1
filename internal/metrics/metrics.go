// Package metrics holds the Prometheus collectors exported by bpffsd.
//
// Collectors are registered on a private registry rather than the global
// default so tests can build independent instances. Every method is safe to
// call on a nil *Metrics, which lets components treat metrics as optional.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all bpffs collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Pipeline metrics
	StageAttempts *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec

	// Lifecycle metrics
	Transitions *prometheus.CounterVec
	Functions   *prometheus.GaugeVec

	// Descriptor transport metrics
	Leases        *prometheus.CounterVec
	LeaseWaitTime prometheus.Histogram

	// Attach metrics
	Attaches *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry. Go runtime and
// process collectors are included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		StageAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bpffs_pipeline_attempts_total",
				Help: "Compile and verify attempts by stage and result",
			},
			[]string{"stage", "result"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bpffs_pipeline_stage_duration_seconds",
				Help:    "Wall-clock duration of each pipeline stage",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bpffs_function_transitions_total",
				Help: "Function lifecycle transitions",
			},
			[]string{"from", "to"},
		),
		Functions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bpffs_functions",
				Help: "Number of functions currently in each status",
			},
			[]string{"status"},
		),
		Leases: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bpffs_handle_leases_total",
				Help: "Descriptor transport requests by outcome",
			},
			[]string{"outcome"},
		),
		LeaseWaitTime: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bpffs_handle_lease_wait_seconds",
				Help:    "Time a handle request waited for its function to load",
				Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		Attaches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bpffs_attach_total",
				Help: "Attach attempts by result",
			},
			[]string{"result"},
		),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveStage records one pipeline stage attempt.
func (m *Metrics) ObserveStage(stage string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.StageAttempts.WithLabelValues(stage, result(ok)).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveTransition records a lifecycle transition and keeps the per-status
// gauge in step. An empty from means the function was just created; a
// function reaching "unloaded" leaves the gauge.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.Transitions.WithLabelValues(from, to).Inc()
		m.Functions.WithLabelValues(from).Dec()
	}
	if to != "unloaded" {
		m.Functions.WithLabelValues(to).Inc()
	}
}

// ObserveLease records a descriptor transport request.
func (m *Metrics) ObserveLease(outcome string, waited time.Duration) {
	if m == nil {
		return
	}
	m.Leases.WithLabelValues(outcome).Inc()
	m.LeaseWaitTime.Observe(waited.Seconds())
}

// ObserveAttach records an attach attempt.
func (m *Metrics) ObserveAttach(ok bool) {
	if m == nil {
		return
	}
	m.Attaches.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
