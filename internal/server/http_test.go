package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyferry/skyferry/apitypes"
	"github.com/skyferry/skyferry/internal/events"
	"github.com/skyferry/skyferry/internal/server"
	"github.com/skyferry/skyferry/internal/timeline"
	"github.com/skyferry/skyferry/internal/tracker"
)

// newTestServer creates an HTTP server over an idle tracker.
func newTestServer(t *testing.T, opts ...server.HTTPOption) *server.HTTPServer {
	t.Helper()

	bus := events.New()
	t.Cleanup(bus.Close)

	return server.NewHTTPServer(tracker.NewController(bus), opts...)
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// --- Health Endpoint Tests ---

func TestHealthHandler(t *testing.T) {
	rec := get(t, newTestServer(t), "/api/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[apitypes.HealthResponse](t, rec).Status)
}

// --- Stats Endpoint Tests ---

func TestStatsHandler(t *testing.T) {
	t.Run("EmptyWithoutJournal", func(t *testing.T) {
		rec := get(t, newTestServer(t), "/api/stats")
		require.Equal(t, http.StatusOK, rec.Code)

		stats := decode[apitypes.Stats](t, rec)
		assert.Zero(t, stats.TotalTracked)
		assert.Zero(t, stats.Active)
		assert.Equal(t, -1, stats.OpenUploads)
	})
}

// --- Transfer Endpoint Tests ---

func TestTransfersHandler(t *testing.T) {
	t.Run("EmptyList", func(t *testing.T) {
		rec := get(t, newTestServer(t), "/api/transfers")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("NotFound", func(t *testing.T) {
		rec := get(t, newTestServer(t), "/api/transfers/01J9Z3T1XK7W1V4B8C2D3E4F5G")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "transfer not found", decode[apitypes.ErrorResponse](t, rec).Error)
	})

	t.Run("InvalidID", func(t *testing.T) {
		tests := []struct {
			name string
			id   string
		}{
			{name: "punctuation", id: "abc-def"},
			{name: "dots", id: "abc.def"},
			{name: "too long", id: "A123456789012345678901234567890123456789012345678901234567890123456789"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := get(t, newTestServer(t), "/api/transfers/"+tt.id)
				assert.Equal(t, http.StatusBadRequest, rec.Code)
			})
		}
	})
}

// --- Upload Endpoint Tests ---

func TestUploadsHandler(t *testing.T) {
	rec := get(t, newTestServer(t), "/api/uploads")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

// --- Events Endpoint Tests ---

func TestEventsHandler(t *testing.T) {
	recorder := timeline.NewRecorder()
	for _, id := range []string{"T1", "T2", "T1"} {
		recorder.Record(timeline.Event{Type: events.TransferStarted, TransferID: id, Message: "started " + id})
	}
	ts := newTestServer(t, server.WithHTTPTimeline(recorder))

	t.Run("All", func(t *testing.T) {
		rec := get(t, ts, "/api/events")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[[]timeline.Event](t, rec), 3)
	})

	t.Run("Limit", func(t *testing.T) {
		rec := get(t, ts, "/api/events?limit=1")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[[]timeline.Event](t, rec)
		require.Len(t, got, 1)
		assert.Equal(t, "T1", got[0].TransferID)
	})

	t.Run("InvalidLimit", func(t *testing.T) {
		rec := get(t, ts, "/api/events?limit=zero")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("ByTransfer", func(t *testing.T) {
		rec := get(t, ts, "/api/transfers/T1/events")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[[]timeline.Event](t, rec), 2)

		rec = get(t, ts, "/api/transfers/T3/events")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("WithoutTimeline", func(t *testing.T) {
		rec := get(t, newTestServer(t), "/api/events")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})
}

// --- Metrics Endpoint Tests ---

func TestMetricsHandler(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		rec := get(t, newTestServer(t), "/metrics")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Enabled", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "Test counter."})
		registry.MustRegister(counter)
		counter.Inc()

		rec := get(t, newTestServer(t, server.WithHTTPGatherer(registry)), "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "test_total 1")
	})
}
