package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyferry/skyferry/internal/metrics"
)

func TestRegister(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.New()

	require.NoError(t, m.Register(registry))
	// Registering the same collectors twice fails
	require.Error(t, m.Register(registry))
}

func TestCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.New()
	require.NoError(t, m.Register(registry))

	m.TransferFinished("download", "success")
	m.TransferFinished("download", "success")
	m.TransferFinished("upload", "failed")
	m.PartFinished("success")
	m.Retry(metrics.RequestPutPart)
	m.AddBytes("upload", 1024)
	m.AddBytes("upload", 1024)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ObserveRequest(metrics.RequestHead, time.Now().Add(-time.Second))

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.ElementsMatch(t, []string{
		"skyferry_transfers_total",
		"skyferry_parts_total",
		"skyferry_retries_total",
		"skyferry_bytes_total",
		"skyferry_open_connections",
		"skyferry_request_duration_seconds",
	}, names)

	count, err := testutil.GatherAndCount(registry, "skyferry_transfers_total", "skyferry_parts_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	expected := `
# HELP skyferry_open_connections Connections currently carrying a request.
# TYPE skyferry_open_connections gauge
skyferry_open_connections 1
# HELP skyferry_bytes_total Payload bytes moved by direction.
# TYPE skyferry_bytes_total counter
skyferry_bytes_total{direction="upload"} 2048
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"skyferry_open_connections", "skyferry_bytes_total"))
}

func TestNilMetrics(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.TransferFinished("download", "success")
		m.PartFinished("success")
		m.Retry("x")
		m.AddBytes("download", 1)
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.ObserveRequest("x", time.Now())
	})
}
