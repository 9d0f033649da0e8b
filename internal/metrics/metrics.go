// Package metrics holds the Prometheus collectors of the transfer engine.
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "skyferry"

// Request labels for the duration summary.
const (
	RequestHead     = "head_object"
	RequestGetPart  = "get_part"
	RequestPutPart  = "put_part"
	RequestInitiate = "initiate_upload"
	RequestComplete = "complete_upload"
	RequestControl  = "control"
)

// Metrics collects transfer engine metrics.
type Metrics struct {
	transfers       *prometheus.CounterVec
	parts           *prometheus.CounterVec
	retries         *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	openConnections prometheus.Gauge
	requestDuration *prometheus.SummaryVec
}

// New creates the collectors. Call Register to expose them.
func New() *Metrics {
	return &Metrics{
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Finished transfers by kind and result.",
		}, []string{"kind", "result"}),
		parts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parts_total",
			Help:      "Parts of finished transfers by final state.",
		}, []string{"state"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Scheduled retries by request type.",
		}, []string{"request"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Payload bytes moved by direction.",
		}, []string{"direction"}),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Connections currently carrying a request.",
		}),
		requestDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  namespace,
			Name:       "request_duration_seconds",
			Help:       "Duration of single request attempts by request type.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"request"}),
	}
}

// Register adds all collectors to registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.transfers,
		m.parts,
		m.retries,
		m.bytes,
		m.openConnections,
		m.requestDuration,
	} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// TransferFinished counts a transfer reaching a terminal state.
func (m *Metrics) TransferFinished(kind, result string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(kind, result).Inc()
}

// PartFinished counts a part of a finished transfer by its final state.
func (m *Metrics) PartFinished(state string) {
	if m == nil {
		return
	}
	m.parts.WithLabelValues(state).Inc()
}

// Retry counts a scheduled retry.
func (m *Metrics) Retry(request string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(request).Inc()
}

// AddBytes counts payload bytes; direction is "upload" or "download".
func (m *Metrics) AddBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues(direction).Add(float64(n))
}

// ConnectionOpened increments the open connections gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.openConnections.Inc()
}

// ConnectionClosed decrements the open connections gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.openConnections.Dec()
}

// ObserveRequest records the duration of one attempt since start.
func (m *Metrics) ObserveRequest(request string, start time.Time) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(request).Observe(time.Since(start).Seconds())
}
