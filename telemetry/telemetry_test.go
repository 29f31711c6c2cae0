package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	p.ObserveOp("read", 5*time.Millisecond, nil)
	p.ObserveOp("read", 5*time.Millisecond, errors.New("boom"))
	p.AddTagsDiscovered(7)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["opclink_op_duration_seconds"])
	assert.True(t, names["opclink_op_total"])
	assert.True(t, names["opclink_tags_discovered_total"])
}

func TestPrometheusReregisterFeedsExistingSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheus(reg)
	require.NoError(t, err)

	// A second construction on the same registry must observe through the
	// collectors the registry already exposes, not orphaned twins.
	p2, err := NewPrometheus(reg)
	require.NoError(t, err)
	p2.AddTagsDiscovered(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	var value float64
	for _, f := range families {
		if f.GetName() == "opclink_tags_discovered_total" {
			value = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 3.0, value)
}
