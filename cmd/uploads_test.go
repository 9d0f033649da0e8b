package cmd

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyferry/skyferry/internal/journal"
	"github.com/skyferry/skyferry/internal/server"
	testutil "github.com/skyferry/skyferry/internal/testing"
)

func TestSelectEntries(t *testing.T) {
	entries := []journal.Entry{
		{UploadID: "upload-1", RemotePath: "/bucket/a.bin"},
		{UploadID: "upload-2", RemotePath: "/bucket/b.bin"},
	}

	selected, err := selectEntries(entries, []string{"upload-2"})
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "/bucket/b.bin", selected[0].RemotePath)

	_, err = selectEntries(entries, []string{"upload-3"})
	require.Error(t, err)
}

func TestAbortEntry(t *testing.T) {
	s3 := testutil.NewS3Server()
	t.Cleanup(s3.Close)
	s3.Stall(testutil.MatchQuery("partNumber"))

	cfg := testutil.ValidConfig(t)
	cfg.Storage.Endpoint = s3.URL
	cfg.Storage.PartSize = 1024
	cfg.Storage.Timeout = 500 * time.Millisecond
	cfg.Storage.SpeedLimit = 0
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.Server.Listen = ""

	srv, err := server.New(t.Context(), cfg, server.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, srv.Start(t.Context()))
	t.Cleanup(func() { _ = srv.Shutdown(t.Context()) })

	count := func() int {
		list, err := srv.Journal().List(t.Context())
		if err != nil {
			return -1
		}
		return len(list)
	}

	data := testutil.RandomBytes(3000)
	tr := srv.Storage().Upload(t.Context(), "test-bucket/dir/a b.bin", bytes.NewReader(data), int64(len(data)))
	require.Eventually(t, func() bool { return count() == 1 }, 5*time.Second, 10*time.Millisecond)
	tr.Cancel()

	entries, err := journalEntries(t.Context(), srv)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, abortEntry(t.Context(), srv, entries[0]))
	assert.Empty(t, s3.Uploads())
	require.Eventually(t, func() bool { return count() == 0 }, 5*time.Second, 10*time.Millisecond)

	// An upload unknown to the storage is dropped from the journal.
	stale, err := srv.Journal().Record(t.Context(), journal.Entry{
		UploadID:   "stale-upload",
		RemotePath: srv.Storage().Path("test-bucket/dir/stale.bin"),
	})
	require.NoError(t, err)
	require.NoError(t, abortEntry(t.Context(), srv, stale))
	assert.Zero(t, count())
}
