package service

import (
	"net/http"

	"github.com/CZERTAINLY/Warden/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "warden"

// Metrics are the prometheus collectors of a Supervisor. A nil *Metrics
// records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	events     *prometheus.CounterVec
	runs       *prometheus.CounterVec
	running    prometheus.Gauge
	superseded prometheus.Counter
	scans      *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Trigger events by kind and admission outcome.",
		}, []string{"kind", "admitted"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by status.",
		}, []string{"status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "runs_running",
			Help:      "Pipeline runs in progress.",
		}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_superseded_total",
			Help:      "Pending runs replaced by a newer run of the same key.",
		}),
		scans: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of scanner processes.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"tool", "status"}),
	}
	m.registry.MustRegister(
		m.events,
		m.runs,
		m.running,
		m.superseded,
		m.scans,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) event(kind model.EventKind, admitted string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind), admitted).Inc()
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) runFinished(status model.RunStatus) {
	if m == nil {
		return
	}
	m.running.Dec()
	m.runs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) runSuperseded() {
	if m == nil {
		return
	}
	m.superseded.Inc()
	m.runs.WithLabelValues(string(model.RunStatusSuperseded)).Inc()
}

func (m *Metrics) scan(res model.ScanResult) {
	if m == nil || res.Status == model.ScanSkipped {
		return
	}
	m.scans.WithLabelValues(res.Tool, string(res.Status)).Observe(res.Duration.Seconds())
}
