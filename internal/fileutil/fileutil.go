// Package fileutil opens the local side of a transfer.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	dirPerm  = 0750
	filePerm = 0640
)

// Open opens path for reading and returns the file and its size.
func Open(fs afero.Fs, path string) (afero.File, int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("%s is a directory", path)
	}

	return f, info.Size(), nil
}

// Create opens path for writing, creating parent directories as needed.
// Existing content is kept; the caller truncates to the final size.
func Create(fs afero.Fs, path string) (afero.File, error) {
	if err := fs.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, err
	}

	return fs.OpenFile(path, os.O_CREATE|os.O_WRONLY, filePerm)
}
