//go:build e2e

package e2e_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyferry/skyferry/apitypes"
	"github.com/skyferry/skyferry/internal/e2e"
	testutil "github.com/skyferry/skyferry/internal/testing"
)

// TestE2E_HappyPath_RoundTrip tests the complete transfer workflow:
// 1. A local file is uploaded as a multipart upload.
// 2. The status endpoint reports the transfer and its events.
// 3. The object is downloaded again and compared.
func TestE2E_HappyPath_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg := e2e.DefaultConfig()
	cfg.Logger = zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)

	h := e2e.NewHarness(t, cfg)
	h.Start(ctx, cfg)
	defer h.Stop()

	const fileSize = 12*1024*1024 + 123

	// 1. Upload a local file
	data := testutil.RandomBytes(fileSize)
	source := filepath.Join(h.TempDir, "source.bin")
	require.NoError(t, os.WriteFile(source, data, 0o600))
	remote := testutil.ObjectPath()

	up, err := h.Server.Storage().UploadFile(ctx, source, remote)
	require.NoError(t, err)
	res, err := up.Wait(ctx)
	require.NoError(t, err)

	// 2. Observe it through the status endpoint
	tr := h.WaitForTransfer(up.ID(), "success", time.Minute)
	assert.Equal(t, "multipart-upload", tr.Kind)
	assert.Equal(t, 3, tr.PartCount)
	assert.Equal(t, 3, tr.PartsDone)
	assert.Equal(t, res.Hash, tr.Hash)
	assert.Equal(t, source, tr.LocalPath)

	eventTypes := e2e.EventTypes(h.GetEventsForTransfer(up.ID()))
	assert.Contains(t, eventTypes, "transfer.started", "should have started event")
	assert.Contains(t, eventTypes, "transfer.upload.initiated", "should have initiated event")
	assert.Contains(t, eventTypes, "transfer.completed", "should have completed event")

	h.WaitForUploads(0, 10*time.Second)

	// 3. Download and compare
	target := filepath.Join(h.TempDir, "copy.bin")
	down, err := h.Server.Storage().DownloadFile(ctx, remote, target)
	require.NoError(t, err)
	dres, err := down.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Hash, dres.Hash)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, data, content)

	var stats apitypes.Stats
	h.GetJSON("/api/stats", &stats)
	assert.Equal(t, 2, stats.TotalTracked)
	assert.Zero(t, stats.OpenUploads)
}

// TestE2E_CancelledUploadIsAborted tests that a cancelled multipart upload
// stays journaled until it is aborted.
func TestE2E_CancelledUploadIsAborted(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg := e2e.DefaultConfig()
	cfg.SpeedLimit = 1024 * 1024

	h := e2e.NewHarness(t, cfg)
	h.Start(ctx, cfg)
	defer h.Stop()

	data := testutil.RandomBytes(11 * 1024 * 1024)
	source := filepath.Join(h.TempDir, "source.bin")
	require.NoError(t, os.WriteFile(source, data, 0o600))
	remote := testutil.ObjectPath()

	up, err := h.Server.Storage().UploadFile(ctx, source, remote)
	require.NoError(t, err)

	uploads := h.WaitForUploads(1, time.Minute)
	require.True(t, up.Cancel(), "upload should still be running")
	h.WaitForTransfer(up.ID(), "cancelled", 30*time.Second)

	assert.Equal(t, up.UploadID(), uploads[0].UploadID)
	assert.Equal(t, source, uploads[0].LocalPath)

	path, err := h.Server.Storage().RemotePath(uploads[0].RemotePath)
	require.NoError(t, err)
	assert.Equal(t, remote, path)

	require.NoError(t, h.Server.Storage().AbortUpload(ctx, path, uploads[0].UploadID))
	h.WaitForUploads(0, 10*time.Second)
}
