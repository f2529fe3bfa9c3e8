// Package metrics is the named-map Prometheus wrapper grounded on the
// teacher's internal/metrics/prometheus.go, re-registered for the C-metrics
// enumerated in SPEC_FULL §4.6: call/recording/persistence counters and
// histograms plus an in-flight gauge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
	m.register()
	return m
}

func (m *Metrics) register() {
	m.counters["dialer_calls_originated"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_calls_originated_total",
			Help: "Total number of outbound origination attempts",
		},
		[]string{},
	)
	m.counters["dialer_calls_answered"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_calls_answered_total",
			Help: "Total number of legs that reached Up",
		},
		[]string{"leg"},
	)
	m.counters["dialer_calls_completed"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_calls_completed_total",
			Help: "Total number of calls that reached terminal cleanup",
		},
		[]string{"status"},
	)
	m.counters["dialer_recording_move_retries"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_recording_move_retries_total",
			Help: "Total number of recording-file locate retries",
		},
		[]string{},
	)
	m.counters["dialer_persistence_upsert_failures"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_persistence_upsert_failures_total",
			Help: "Total number of failed call-summary upserts",
		},
		[]string{},
	)

	m.histograms["dialer_call_duration"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dialer_call_duration_seconds",
			Help:    "Talk time per leg in seconds",
			Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"leg"},
	)

	m.gauges["dialer_in_flight_calls"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dialer_in_flight_calls",
			Help: "Current number of in-flight calls",
		},
		[]string{},
	)

	for _, c := range m.counters {
		prometheus.MustRegister(c)
	}
	for _, h := range m.histograms {
		prometheus.MustRegister(h)
	}
	for _, g := range m.gauges {
		prometheus.MustRegister(g)
	}
}

func (m *Metrics) IncrementCounter(name string, labels map[string]string) {
	if counter, ok := m.counters[name]; ok {
		counter.With(prometheus.Labels(labels)).Inc()
	}
}

func (m *Metrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	if histogram, ok := m.histograms[name]; ok {
		histogram.With(prometheus.Labels(labels)).Observe(value)
	}
}

func (m *Metrics) SetGauge(name string, value float64, labels map[string]string) {
	if gauge, ok := m.gauges[name]; ok {
		if labels == nil {
			labels = map[string]string{}
		}
		gauge.With(prometheus.Labels(labels)).Set(value)
	}
}

// Handler returns the promhttp handler for mounting on the control
// surface's shared listener (§4.6 — /metrics lives on the same port as
// /start and the health endpoints, rather than its own ServeHTTP loop).
func Handler() http.Handler { return promhttp.Handler() }
