package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetPortsInUse(3)
	m.Allocation(ResultOK)
	m.Allocation(ResultOK)
	m.Provision("bhyve", ResultOK)
	m.Transition("provisioning", "running")
	m.ObserveProbe(0.01)

	assert.InDelta(t, 3, testutil.ToFloat64(m.PortsInUse), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Allocations.WithLabelValues(ResultOK)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Provisions.WithLabelValues("bhyve", ResultOK)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Transitions.WithLabelValues("provisioning", "running")), 0)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestNilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetPortsInUse(1)
		m.Allocation(ResultError)
		m.Provision("kvm", ResultError)
		m.Transition("running", "failed")
		m.ObserveProbe(1)
	})
}
