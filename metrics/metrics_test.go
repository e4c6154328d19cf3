package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"qrdag/metrics"
)

func TestCountersRegisteredAndRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.Processed()
	m.Processed()
	m.Finalized(10 * time.Millisecond)
	m.Rejected()
	m.Conflict()
	m.SlotAcquired()
	m.SlotAcquired()
	m.SlotReleased()

	require.Equal(t, 2.0, testutil.ToFloat64(m.VerticesProcessed))
	require.Equal(t, 1.0, testutil.ToFloat64(m.VerticesFinalized))
	require.Equal(t, 1.0, testutil.ToFloat64(m.VerticesRejected))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsDetected))
	require.Equal(t, 1.0, testutil.ToFloat64(m.InFlight))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 8)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	require.NotPanics(t, func() {
		m.Processed()
		m.Finalized(time.Second)
		m.Byzantine()
		m.SlotReleased()
	})
}
