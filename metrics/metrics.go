// Package metrics holds the Prometheus collectors of vmadm. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vmadm"

// Allocation results.
const (
	ResultOK        = "ok"
	ResultExhausted = "exhausted"
	ResultConflict  = "conflict"
	ResultError     = "error"
)

// Metrics groups the collectors.
type Metrics struct {
	PortsInUse   prometheus.Gauge
	Allocations  *prometheus.CounterVec
	Provisions   *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	ProbeLatency prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PortsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vnc_ports_in_use",
			Help:      "Console ports currently reserved.",
		}),
		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vnc_port_allocations_total",
			Help:      "Console port allocation attempts by result.",
		}, []string{"result"}),
		Provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_provisions_total",
			Help:      "VM provisions by brand and result.",
		}, []string{"brand", "result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_state_transitions_total",
			Help:      "Applied VM state transitions.",
		}, []string{"from", "to"}),
		ProbeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vnc_probe_seconds",
			Help:      "Latency of console greeting probes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8), //nolint:mnd
		}),
	}
	if reg != nil {
		reg.MustRegister(m.PortsInUse, m.Allocations, m.Provisions, m.Transitions, m.ProbeLatency)
	}
	return m
}

func (m *Metrics) SetPortsInUse(n int) {
	if m == nil {
		return
	}
	m.PortsInUse.Set(float64(n))
}

func (m *Metrics) Allocation(result string) {
	if m == nil {
		return
	}
	m.Allocations.WithLabelValues(result).Inc()
}

func (m *Metrics) Provision(brand, result string) {
	if m == nil {
		return
	}
	m.Provisions.WithLabelValues(brand, result).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveProbe(seconds float64) {
	if m == nil {
		return
	}
	m.ProbeLatency.Observe(seconds)
}
