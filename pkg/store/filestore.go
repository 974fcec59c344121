package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileStore serves and receives files from a directory on disk, indexed
// through a Manifest (file_index → path).
type FileStore struct {
	mu       sync.Mutex
	manifest *Manifest
	handles  map[uint16]*os.File
}

// NewFileStore returns a store that resolves file indices through m.
func NewFileStore(m *Manifest) *FileStore {
	return &FileStore{manifest: m, handles: make(map[uint16]*os.File)}
}

func (f *FileStore) Read(fileIndex uint16, offset uint32, buf []byte) (int, error) {
	path, ok := f.manifest.Path(fileIndex)
	if !ok {
		return 0, fmt.Errorf("filestore: no manifest entry for file index %d", fileIndex)
	}
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("filestore: open %s: %w", path, err)
	}
	defer file.Close()

	n, err := file.ReadAt(buf, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("filestore: read %s at %d: %w", path, offset, err)
	}
	return n, nil
}

func (f *FileStore) Write(fileIndex uint16, offset uint32, buf []byte) error {
	path, ok := f.manifest.Path(fileIndex)
	if !ok {
		return fmt.Errorf("filestore: no manifest entry for file index %d", fileIndex)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.handles[fileIndex]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("filestore: mkdir for %s: %w", path, err)
		}
		var err error
		file, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("filestore: open %s: %w", path, err)
		}
		f.handles[fileIndex] = file
	}

	_, err := file.WriteAt(buf, int64(offset))
	return err
}

// Close releases any open write handles. Callers should invoke this once
// a write transfer has reached END or ERR.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for idx, file := range f.handles {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(f.handles, idx)
	}
	return firstErr
}
