package journal_test

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyferry/skyferry/internal/events"
	"github.com/skyferry/skyferry/internal/journal"
	"github.com/skyferry/skyferry/internal/storage"
	testutil "github.com/skyferry/skyferry/internal/testing"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(t.Context(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal(t *testing.T) {
	t.Run("records and lists oldest first", func(t *testing.T) {
		j := openJournal(t)
		now := time.Now()

		second, err := j.Record(t.Context(), journal.Entry{
			UploadID:   "upload-2",
			RemotePath: "/bucket/b.bin",
			CreatedAt:  now,
		})
		require.NoError(t, err)
		first, err := j.Record(t.Context(), journal.Entry{
			UploadID:   "upload-1",
			RemotePath: "/bucket/a.bin",
			LocalPath:  "/data/a.bin",
			CreatedAt:  now.Add(-time.Minute),
		})
		require.NoError(t, err)
		assert.False(t, first.ID.IsZero())

		entries, err := j.List(t.Context())
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, first, entries[0])
		assert.Equal(t, second, entries[1])
	})

	t.Run("remove reports whether the entry existed", func(t *testing.T) {
		j := openJournal(t)
		_, err := j.Record(t.Context(), journal.Entry{UploadID: "upload-1", RemotePath: "/bucket/a.bin"})
		require.NoError(t, err)

		removed, err := j.Remove(t.Context(), "upload-1")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = j.Remove(t.Context(), "upload-1")
		require.NoError(t, err)
		assert.False(t, removed)

		entries, err := j.List(t.Context())
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("recording an upload twice keeps one entry", func(t *testing.T) {
		j := openJournal(t)
		for range 2 {
			_, err := j.Record(t.Context(), journal.Entry{UploadID: "upload-1", RemotePath: "/bucket/a.bin"})
			require.NoError(t, err)
		}

		entries, err := j.List(t.Context())
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("requires an upload id", func(t *testing.T) {
		j := openJournal(t)
		_, err := j.Record(t.Context(), journal.Entry{RemotePath: "/bucket/a.bin"})
		require.Error(t, err)
	})

	t.Run("persists across reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "journal.db")
		j, err := journal.Open(t.Context(), path)
		require.NoError(t, err)
		_, err = j.Record(t.Context(), journal.Entry{UploadID: "upload-1", RemotePath: "/bucket/a.bin"})
		require.NoError(t, err)
		require.NoError(t, j.Close())

		j, err = journal.Open(t.Context(), path)
		require.NoError(t, err)
		defer j.Close()

		entries, err := j.List(t.Context())
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "upload-1", entries[0].UploadID)
	})

	t.Run("requires a path", func(t *testing.T) {
		_, err := journal.Open(t.Context(), "")
		require.Error(t, err)
	})
}

func TestController(t *testing.T) {
	type fixture struct {
		storage *storage.Storage
		server  *testutil.S3Server
		journal *journal.Journal
		ctrl    *journal.Controller
		bus     *events.Bus
	}

	setup := func(t *testing.T) fixture {
		t.Helper()

		srv := testutil.NewS3Server()
		t.Cleanup(srv.Close)

		bus := events.New()
		t.Cleanup(bus.Close)

		j := openJournal(t)
		c := journal.NewController(bus, j)
		require.NoError(t, c.Start(t.Context()))
		t.Cleanup(func() { _ = c.Stop() })

		s, err := storage.New(testutil.TestConfiguration(srv.URL), storage.WithEventBus(bus))
		require.NoError(t, err)

		return fixture{storage: s, server: srv, journal: j, ctrl: c, bus: bus}
	}

	entries := func(t *testing.T, j *journal.Journal) []journal.Entry {
		t.Helper()
		list, err := j.List(t.Context())
		require.NoError(t, err)
		return list
	}

	count := func(t *testing.T, j *journal.Journal) int {
		list, err := j.List(t.Context())
		if err != nil {
			return -1
		}
		return len(list)
	}

	t.Run("completed upload is removed", func(t *testing.T) {
		f := setup(t)
		// Subscribed after the controller, so it sees each event second.
		done := f.bus.Subscribe(events.TransferCompleted)
		data := testutil.RandomBytes(4096)

		tr := f.storage.Upload(t.Context(), testutil.ObjectPath(), bytes.NewReader(data), int64(len(data)))
		_, err := tr.Wait(t.Context())
		require.NoError(t, err)

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("expected transfer completed event")
		}

		require.NoError(t, f.ctrl.Stop())
		assert.Empty(t, entries(t, f.journal))
	})

	t.Run("records every upload on a saturated bus", func(t *testing.T) {
		bus := events.New(events.WithBufferSize(1))
		t.Cleanup(bus.Close)
		// Never read, so its buffer fills after the first event.
		_ = bus.Subscribe()

		j := openJournal(t)
		c := journal.NewController(bus, j)
		require.NoError(t, c.Start(t.Context()))
		t.Cleanup(func() { _ = c.Stop() })

		const uploads = 20
		for i := range uploads {
			bus.Publish(events.Event{
				Type: events.UploadInitiated,
				Data: map[string]any{"path": "/b/k", "upload_id": fmt.Sprintf("upload-%d", i)},
			})
		}

		assert.Equal(t, uploads, count(t, j))
		assert.Positive(t, bus.Dropped())

		bus.Publish(events.Event{
			Type: events.UploadAborted,
			Data: map[string]any{"path": "/b/k", "upload_id": "upload-0"},
		})
		assert.Equal(t, uploads-1, count(t, j))
	})

	t.Run("stopped controller ignores events", func(t *testing.T) {
		bus := events.New()
		t.Cleanup(bus.Close)

		j := openJournal(t)
		c := journal.NewController(bus, j)
		require.NoError(t, c.Start(t.Context()))
		require.NoError(t, c.Stop())

		bus.Publish(events.Event{
			Type: events.UploadInitiated,
			Data: map[string]any{"path": "/b/k", "upload_id": "upload-1"},
		})
		assert.Zero(t, count(t, j))
	})

	t.Run("cancelled upload stays until aborted", func(t *testing.T) {
		f := setup(t)
		s, srv, j := f.storage, f.server, f.journal
		srv.Stall(testutil.MatchQuery("partNumber"))
		remote := testutil.ObjectPath()
		data := testutil.RandomBytes(4096)

		tr := s.Upload(t.Context(), remote, bytes.NewReader(data), int64(len(data)))
		require.Eventually(t, func() bool {
			return count(t, j) == 1
		}, 5*time.Second, 10*time.Millisecond)
		tr.Cancel()

		entry := entries(t, j)[0]
		assert.Equal(t, tr.UploadID(), entry.UploadID)
		assert.Equal(t, s.Path(remote), entry.RemotePath)

		require.NoError(t, s.AbortUpload(t.Context(), remote, entry.UploadID))
		require.Eventually(t, func() bool {
			return count(t, j) == 0
		}, 5*time.Second, 10*time.Millisecond)
	})
}
