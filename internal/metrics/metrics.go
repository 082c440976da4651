// Package metrics holds the Prometheus collectors the bot exports.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "threadbot"

// Metrics owns its registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	turns       *prometheus.CounterVec
	completions *prometheus.HistogramVec
	inFlight    prometheus.Gauge
	stuck       prometheus.Gauge
	sweeps      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by channel and outcome.",
		}, []string{"channel", "outcome"}),
		completions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Latency of language model completions.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"kind", "status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_messages",
			Help:      "Inbound messages currently being processed.",
		}),
		stuck: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stuck_threads",
			Help:      "Idle threads whose metadata still carries the busy flag.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Stuck lock sweeps by status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turns, m.completions, m.inFlight, m.stuck, m.sweeps,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveOutcome(channel, outcome string) {
	m.turns.WithLabelValues(channel, outcome).Inc()
}

// ObserveCompletion records one completion call. kind is "thread" or "chat".
func (m *Metrics) ObserveCompletion(kind string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.completions.WithLabelValues(kind, status).Observe(d.Seconds())
}

func (m *Metrics) IncInFlight() { m.inFlight.Inc() }
func (m *Metrics) DecInFlight() { m.inFlight.Dec() }

func (m *Metrics) SetStuck(n int) {
	m.stuck.Set(float64(n))
}

func (m *Metrics) ObserveSweep(err error) {
	if err != nil {
		m.sweeps.WithLabelValues("error").Inc()
		return
	}
	m.sweeps.WithLabelValues("ok").Inc()
}
