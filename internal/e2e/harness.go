//go:build e2e

// Package e2e provides end-to-end testing infrastructure.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/skyferry/skyferry/apitypes"
	"github.com/skyferry/skyferry/internal/config"
	"github.com/skyferry/skyferry/internal/server"
	testutil "github.com/skyferry/skyferry/internal/testing"
	"github.com/skyferry/skyferry/internal/timeline"
)

// Test configuration constants.
const (
	serverReadyTimeout    = 10 * time.Second
	serverShutdownTimeout = 10 * time.Second
	containerCleanup      = 30 * time.Second
	defaultHTTPTimeout    = 10 * time.Second
	pollSleepInterval     = 100 * time.Millisecond
	minPartSize           = 5 * 1024 * 1024
	channelCount          = 4
)

// Harness provides a complete test environment for end-to-end tests.
// It manages the MinIO container and the application server with its
// status endpoint.
type Harness struct {
	t *testing.T

	// Object storage
	MinIO *testutil.MinIOContainer

	// Application server
	Server *server.Server

	// StatusURL is the base URL of the status endpoint.
	StatusURL string

	// File paths
	TempDir     string
	JournalPath string

	// Internal
	ctx       context.Context
	ctxCancel context.CancelFunc
	client    *http.Client
	logger    zerolog.Logger
}

// Config configures the E2E test harness.
type Config struct {
	// SpeedLimit caps each transfer in bytes/sec, 0 = unlimited.
	SpeedLimit int64

	// Logger for the test harness
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults for E2E tests.
func DefaultConfig() Config {
	return Config{
		Logger: zerolog.Nop(),
	}
}

// NewHarness creates a new E2E test harness.
// Call Start() to initialize all components.
func NewHarness(t *testing.T, cfg Config) *Harness {
	t.Helper()

	return &Harness{
		t:      t,
		logger: cfg.Logger,
		client: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// Start initializes all components of the test harness.
// This starts the container and the application server.
func (h *Harness) Start(ctx context.Context, cfg Config) {
	h.t.Helper()

	h.ctx, h.ctxCancel = context.WithCancel(ctx)

	h.TempDir = h.t.TempDir()
	h.JournalPath = filepath.Join(h.TempDir, "journal.db")

	var err error
	h.MinIO, err = testutil.StartMinIOContainer(h.ctx, testutil.DefaultMinIOContainerConfig())
	require.NoError(h.t, err, "failed to start MinIO container")
	require.NoError(h.t, h.MinIO.CreateBucket(h.ctx, testutil.TestBucket), "failed to create bucket")

	listen := freeAddr(h.t)
	h.StatusURL = "http://" + listen

	h.Server, err = server.New(h.ctx, h.buildConfig(cfg, listen), server.Options{
		Logger: cfg.Logger,
	})
	require.NoError(h.t, err, "failed to create server")
	require.NoError(h.t, h.Server.Start(context.WithoutCancel(h.ctx)), "failed to start server")

	h.waitReady()
}

// buildConfig creates the application config for the test.
func (h *Harness) buildConfig(cfg Config, listen string) config.Config {
	return config.Config{
		Storage: config.StorageConfig{
			Endpoint:     h.MinIO.Endpoint,
			Region:       config.DefaultRegion,
			PartSize:     minPartSize,
			ChannelCount: channelCount,
			Timeout:      defaultHTTPTimeout,
			RetryCount:   config.DefaultRetryCount,
			SpeedLimit:   cfg.SpeedLimit,
		},
		Credentials: config.CredentialsConfig{
			AccessKey:       h.MinIO.AccessKey,
			SecretAccessKey: h.MinIO.SecretKey,
		},
		Journal: config.JournalConfig{Path: h.JournalPath},
		Server:  config.ServerConfig{Listen: listen},
	}
}

// Stop shuts down all components.
func (h *Harness) Stop() {
	h.t.Helper()

	if h.ctxCancel != nil {
		h.ctxCancel()
	}

	if h.Server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		_ = h.Server.Shutdown(shutdownCtx)
	}

	if h.MinIO != nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), containerCleanup)
		defer cancel()
		_ = h.MinIO.Cleanup(cleanupCtx)
	}
}

// GetJSON fetches path from the status endpoint into v and returns the
// status code.
func (h *Harness) GetJSON(path string, v any) int {
	h.t.Helper()

	req, err := http.NewRequestWithContext(h.ctx, http.MethodGet, h.StatusURL+path, nil)
	require.NoError(h.t, err)

	resp, err := h.client.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && v != nil {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

// WaitForTransfer polls the status endpoint until the transfer reached
// state.
func (h *Harness) WaitForTransfer(id, state string, timeout time.Duration) apitypes.Transfer {
	h.t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		var tr apitypes.Transfer
		if h.GetJSON("/api/transfers/"+id, &tr) == http.StatusOK {
			if tr.State == state && (tr.FinishedAt != "" || !isTerminal(state)) {
				return tr
			}
			h.logger.Debug().
				Str("transfer", id).
				Str("current_state", tr.State).
				Str("target_state", state).
				Msg("waiting for state transition")
		}

		time.Sleep(pollSleepInterval)
	}

	h.t.Fatalf("timeout waiting for transfer %s to reach state %s", id, state)
	return apitypes.Transfer{}
}

// WaitForUploads polls the status endpoint until n uploads are open.
func (h *Harness) WaitForUploads(n int, timeout time.Duration) []apitypes.Upload {
	h.t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		var uploads []apitypes.Upload
		if h.GetJSON("/api/uploads", &uploads) == http.StatusOK && len(uploads) == n {
			return uploads
		}
		time.Sleep(pollSleepInterval)
	}

	h.t.Fatalf("timeout waiting for %d open uploads", n)
	return nil
}

// GetEventsForTransfer returns the recorded events of a transfer, oldest
// first.
func (h *Harness) GetEventsForTransfer(id string) []timeline.Event {
	h.t.Helper()

	var evs []timeline.Event
	require.Equal(h.t, http.StatusOK, h.GetJSON("/api/transfers/"+id+"/events", &evs))

	for i, j := 0, len(evs)-1; i < j; i, j = i+1, j-1 {
		evs[i], evs[j] = evs[j], evs[i]
	}
	return evs
}

// EventTypes extracts the event types from a list of events.
func EventTypes(evs []timeline.Event) []string {
	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i] = string(ev.Type)
	}
	return types
}

func (h *Harness) waitReady() {
	h.t.Helper()

	deadline := time.Now().Add(serverReadyTimeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(h.ctx, http.MethodGet, h.StatusURL+"/api/health", nil)
		require.NoError(h.t, err)
		if resp, err := h.client.Do(req); err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(pollSleepInterval)
	}
	h.t.Fatalf("status endpoint %s not ready", h.StatusURL)
}

func isTerminal(state string) bool {
	return state == "success" || state == "failed" || state == "cancelled"
}

// freeAddr returns a loopback address with a port that was free a moment
// ago.
func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	return fmt.Sprintf("127.0.0.1:%d", l.Addr().(*net.TCPAddr).Port)
}
