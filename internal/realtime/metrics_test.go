package realtime

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCountByLabel(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.ConnectionOpened(ChannelStream)
	metrics.ConnectionOpened(ChannelStream)
	metrics.ConnectionClosed(ChannelStream, "evicted")
	metrics.EnvelopesSent(ChannelRoom, "add", 3)
	metrics.EnvelopesSent(ChannelRoom, "add", 0)
	metrics.SendFailures(ChannelRoom, 2)
	metrics.Operation("notifications", "persist", "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.connectionsOpened.WithLabelValues(ChannelStream)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.connectionsClosed.WithLabelValues(ChannelStream, "evicted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.envelopesSent.WithLabelValues(ChannelRoom, "add")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.sendFailures.WithLabelValues(ChannelRoom)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("notifications", "persist", "ok")))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var metrics *Metrics
	assert.NotPanics(t, func() {
		metrics.ConnectionOpened(ChannelRoom)
		metrics.ConnectionClosed(ChannelRoom, "closed")
		metrics.EnvelopesSent(ChannelRoom, "add", 1)
		metrics.SendFailures(ChannelRoom, 1)
		metrics.Operation("rooms", "join", "ok")
	})
}

func TestRegisterGaugeReportsCallback(t *testing.T) {
	registry := prometheus.NewRegistry()
	value := 4.0
	require.NoError(t, RegisterGauge(registry, "stream_connections", "Open streams", func() float64 { return value }))

	families, err := registry.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "timeweaver_realtime_stream_connections", families[0].GetName())
	assert.Equal(t, 4.0, families[0].GetMetric()[0].GetGauge().GetValue())

	assert.Error(t, RegisterGauge(registry, "stream_connections", "Open streams", func() float64 { return 0 }))
	assert.NoError(t, RegisterGauge(nil, "ignored", "ignored", func() float64 { return 0 }))
}
