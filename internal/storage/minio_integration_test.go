//go:build integration

package storage_test

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyferry/skyferry/internal/config"
	"github.com/skyferry/skyferry/internal/storage"
	testutil "github.com/skyferry/skyferry/internal/testing"
	"github.com/skyferry/skyferry/internal/transfer"
)

// testMinIO is a shared MinIO container for all tests in this file.
var (
	testMinIO     *testutil.MinIOContainer
	testMinIOOnce sync.Once
	testMinIOErr  error
)

// getTestMinIO returns the shared container, starting it if necessary.
func getTestMinIO(t *testing.T) *testutil.MinIOContainer {
	t.Helper()

	testMinIOOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		testMinIO, testMinIOErr = testutil.StartMinIOContainer(ctx, testutil.DefaultMinIOContainerConfig())
		if testMinIOErr == nil {
			testMinIOErr = testMinIO.CreateBucket(ctx, testutil.TestBucket)
		}
	})

	if testMinIOErr != nil {
		t.Skipf("MinIO container not available: %v", testMinIOErr)
	}

	return testMinIO
}

// TestMain handles cleanup of the shared container.
func TestMain(m *testing.M) {
	code := m.Run()

	if testMinIO != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = testMinIO.Cleanup(ctx)
		cancel()
	}

	os.Exit(code)
}

func newMinIOStorage(t *testing.T) (*storage.Storage, afero.Fs) {
	t.Helper()

	m := getTestMinIO(t)
	// MinIO requires 5 MiB parts except for the last one.
	cfg := m.Configuration().Merge(config.Configuration{PartSize: 5 * 1024 * 1024, ChannelCount: 3})

	fs := afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
	s, err := storage.New(cfg, storage.WithFs(fs))
	require.NoError(t, err)

	return s, fs
}

func TestMinIORoundTrip(t *testing.T) {
	tests := []struct {
		name string
		size int
		kind transfer.Kind
	}{
		{name: "empty", size: 0, kind: transfer.KindUpload},
		{name: "single request", size: 1024 * 1024, kind: transfer.KindUpload},
		{name: "multipart", size: 12*1024*1024 + 17, kind: transfer.KindMultipartUpload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, fs := newMinIOStorage(t)
			data := testutil.RandomBytes(tt.size)
			remote := testutil.ObjectPath()
			require.NoError(t, afero.WriteFile(fs, "/source.bin", data, 0600))

			up, err := s.UploadFile(t.Context(), "/source.bin", remote)
			require.NoError(t, err)
			res, err := up.Wait(t.Context())
			require.NoError(t, err)
			assert.Equal(t, tt.kind, up.Kind())

			expected, err := s.HashFile(t.Context(), "/source.bin")
			require.NoError(t, err)
			assert.Equal(t, expected, res.Hash)

			info, err := s.Info(t.Context(), remote, "")
			require.NoError(t, err)
			assert.Equal(t, int64(tt.size), info.Size)
			assert.Equal(t, expected, info.Hash)

			down, err := s.DownloadFile(t.Context(), remote, "/copy.bin")
			require.NoError(t, err)
			dres, err := down.Wait(t.Context())
			require.NoError(t, err)
			assert.Equal(t, expected, dres.Hash)

			content, err := afero.ReadFile(fs, "/copy.bin")
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, content))

			require.NoError(t, s.Delete(t.Context(), remote, ""))
			_, err = s.Info(t.Context(), remote, "")
			require.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestMinIOAbortUpload(t *testing.T) {
	s, _ := newMinIOStorage(t)
	remote := testutil.ObjectPath()
	data := testutil.RandomBytes(11 * 1024 * 1024)

	tr := s.Upload(t.Context(), remote, bytes.NewReader(data), int64(len(data)),
		transfer.WithOverrides(config.Configuration{SpeedLimit: 1024 * 1024}))
	require.Eventually(t, func() bool {
		return tr.UploadID() != ""
	}, 30*time.Second, 10*time.Millisecond)
	require.True(t, tr.Cancel())

	require.NoError(t, s.AbortUpload(t.Context(), remote, tr.UploadID()))
	require.ErrorIs(t, s.AbortUpload(t.Context(), remote, tr.UploadID()), storage.ErrNotFound)
}
