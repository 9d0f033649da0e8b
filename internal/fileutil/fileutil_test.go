package fileutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyferry/skyferry/internal/fileutil"
)

func TestOpen(t *testing.T) {
	t.Run("SuccessCases", func(t *testing.T) {
		tests := []struct {
			name    string
			content []byte
		}{
			{
				name:    "opens small file",
				content: []byte("hello world"),
			},
			{
				name:    "opens empty file",
				content: []byte{},
			},
			{
				name:    "opens large file",
				content: make([]byte, 1024*1024), // 1MB
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				fs := afero.NewMemMapFs()
				require.NoError(t, afero.WriteFile(fs, "/data/source.bin", tt.content, 0600))

				f, size, err := fileutil.Open(fs, "/data/source.bin")
				require.NoError(t, err)
				defer f.Close()

				assert.Equal(t, int64(len(tt.content)), size)
			})
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, _, err := fileutil.Open(afero.NewMemMapFs(), "/missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("Directory", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, fs.MkdirAll("/data", 0750))

		_, _, err := fileutil.Open(fs, "/data")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is a directory")
	})
}

func TestCreate(t *testing.T) {
	t.Run("CreatesParentDirectories", func(t *testing.T) {
		fs := afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
		path := filepath.Join("/deep", "nested", "dir", "dest.txt")

		f, err := fileutil.Create(fs, path)
		require.NoError(t, err)

		_, err = f.WriteAt([]byte("world"), 6)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte("hello "), 0)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		content, err := afero.ReadFile(fs, path)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(content))
	})

	t.Run("KeepsExistingContent", func(t *testing.T) {
		fs := afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
		require.NoError(t, afero.WriteFile(fs, "/dest.txt", []byte("old content"), 0600))

		f, err := fileutil.Create(fs, "/dest.txt")
		require.NoError(t, err)
		require.NoError(t, f.Truncate(3))
		require.NoError(t, f.Close())

		content, err := afero.ReadFile(fs, "/dest.txt")
		require.NoError(t, err)
		assert.Equal(t, "old", string(content))
	})
}
