// Package metrics exposes connector and polling statistics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/resident-x/go-sunsynk/internal/connector"
	"github.com/resident-x/go-sunsynk/internal/domain"
)

const namespace = "sunsynk"

// StatsSource provides connector snapshots at scrape time.
type StatsSource interface {
	Stats() []connector.Stats
}

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleFailures *prometheus.CounterVec
	unavailable   *prometheus.CounterVec
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	registerValue *prometheus.GaugeVec
	available     *prometheus.GaugeVec
}

// New creates the collectors and registers them. source may be nil.
func New(source StatsSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Polling cycles run per inverter.",
		}, []string{"inverter"}),
		cycleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_errors_total",
			Help:      "Polling cycles aborted by a configuration error.",
		}, []string{"inverter"}),
		unavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unavailable_ranges_total",
			Help:      "Register ranges marked unavailable.",
		}, []string{"inverter"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_requests_total",
			Help:      "Read requests issued by polling cycles.",
		}, []string{"inverter"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of polling cycles.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"inverter"}),
		registerValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "register_value",
			Help:      "Raw value of single word registers.",
		}, []string{"inverter", "register"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inverter_available",
			Help:      "1 when the last cycle read at least one register.",
		}, []string{"inverter"}),
	}

	m.registry.MustRegister(
		m.cycles,
		m.cycleFailures,
		m.unavailable,
		m.requests,
		m.duration,
		m.registerValue,
		m.available,
		collectors.NewGoCollector(),
	)
	if source != nil {
		m.registry.MustRegister(newConnectorCollector(source))
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCycle updates the cycle counters and register gauges of an inverter.
// values holds the decoded registers; only single word registers are exported.
func (m *Metrics) RecordCycle(inverter string, result *domain.CycleResult, values map[string][]uint16) {
	m.cycles.WithLabelValues(inverter).Inc()
	m.requests.WithLabelValues(inverter).Add(float64(result.Requests))
	m.unavailable.WithLabelValues(inverter).Add(float64(len(result.Unavailable)))
	if !result.Finished.IsZero() {
		m.duration.WithLabelValues(inverter).Observe(result.Finished.Sub(result.Started).Seconds())
	}

	if len(result.Values) > 0 {
		m.available.WithLabelValues(inverter).Set(1)
	} else {
		m.available.WithLabelValues(inverter).Set(0)
	}

	for name, words := range values {
		if len(words) == 1 {
			m.registerValue.WithLabelValues(inverter, name).Set(float64(words[0]))
		}
	}
}

// RecordCycleError counts a cycle aborted by a fatal error.
func (m *Metrics) RecordCycleError(inverter string) {
	m.cycleFailures.WithLabelValues(inverter).Inc()
}

// connectorCollector reads connector statistics on every scrape.
type connectorCollector struct {
	source StatsSource

	requests      *prometheus.Desc
	failures      *prometheus.Desc
	reconnects    *prometheus.Desc
	bytesSent     *prometheus.Desc
	bytesReceived *prometheus.Desc
	connected     *prometheus.Desc
}

func newConnectorCollector(source StatsSource) *connectorCollector {
	labels := []string{"connector", "kind"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "connector", name), help, labels, nil)
	}
	return &connectorCollector{
		source:        source,
		requests:      desc("requests_total", "Requests served by the connector."),
		failures:      desc("failures_total", "Requests that failed."),
		reconnects:    desc("reconnects_total", "Link re-establishments after the first connect."),
		bytesSent:     desc("sent_bytes_total", "Bytes written to the transport."),
		bytesReceived: desc("received_bytes_total", "Bytes read from the transport."),
		connected:     desc("connected", "1 when the connector holds an open link."),
	}
}

func (c *connectorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.failures
	ch <- c.reconnects
	ch <- c.bytesSent
	ch <- c.bytesReceived
	ch <- c.connected
}

func (c *connectorCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source.Stats() {
		counter := func(desc *prometheus.Desc, v int64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), s.Name, s.Kind)
		}
		counter(c.requests, s.Requests)
		counter(c.failures, s.Failures)
		counter(c.reconnects, s.Reconnects)
		counter(c.bytesSent, s.BytesSent)
		counter(c.bytesReceived, s.BytesReceived)

		connected := 0.0
		if s.State == connector.StateConnected.String() {
			connected = 1
		}
		ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, connected, s.Name, s.Kind)
	}
}
