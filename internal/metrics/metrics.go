// Package metrics provides Prometheus metrics for the gatekeeper.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gatekeeper"

// Metrics contains every Prometheus metric the gatekeeper server exports. A
// *Metrics implements both session.Metrics and abuse.Sink, so a single
// instance can be threaded through a ServerCore's session.Config and its
// abuse.Guard.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge

	LoginsTotal *prometheus.CounterVec

	CommandsTotal *prometheus.CounterVec

	DriverCallDuration *prometheus.HistogramVec

	BlocklistSize prometheus.Gauge
	OffencesTotal *prometheus.CounterVec

	PanicsTotal *prometheus.CounterVec
}

// New creates a Metrics instance registered against reg. Pass
// prometheus.DefaultRegisterer for normal process-wide export, or a fresh
// prometheus.NewRegistry() in tests to avoid collisions between runs.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted connections",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open connections",
		}),
		LoginsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Total login attempts by result",
		}, []string{"result"}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total operational commands processed by command name",
		}, []string{"command"}),
		DriverCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "driver_call_duration_seconds",
			Help:      "Duration of driver calls by method",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"method"}),
		BlocklistSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "abuse_blocklist_size",
			Help:      "Number of remote addresses currently tracked by the abuse guard",
		}),
		OffencesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "abuse_offences_total",
			Help:      "Total abuse offences recorded by kind",
		}, []string{"kind"}),
		PanicsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Total panics recovered by goroutine name",
		}, []string{"goroutine"}),
	}
}

// IncConnection implements session.Metrics.
func (m *Metrics) IncConnection() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// DecConnection implements session.Metrics.
func (m *Metrics) DecConnection() {
	m.ConnectionsActive.Dec()
}

// IncLogin implements session.Metrics.
func (m *Metrics) IncLogin(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.LoginsTotal.WithLabelValues(result).Inc()
}

// IncCommand implements session.Metrics.
func (m *Metrics) IncCommand(cmd string) {
	m.CommandsTotal.WithLabelValues(cmd).Inc()
}

// ObserveDriverDuration implements session.Metrics.
func (m *Metrics) ObserveDriverDuration(method string, d time.Duration) {
	m.DriverCallDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveBlocklistSize implements abuse.Sink.
func (m *Metrics) ObserveBlocklistSize(n int) {
	m.BlocklistSize.Set(float64(n))
}

// IncOffence implements abuse.Sink.
func (m *Metrics) IncOffence(kind string) {
	m.OffencesTotal.WithLabelValues(kind).Inc()
}

// IncPanic records a recovered panic from the named goroutine. The
// server's panic callback calls it through its panicRecorder interface.
func (m *Metrics) IncPanic(goroutine string) {
	m.PanicsTotal.WithLabelValues(goroutine).Inc()
}
