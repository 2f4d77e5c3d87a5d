package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
)

const blobFilename = "account.blob"

// BlobStore reads and writes the sealed account blob, one per account
// directory. Writes go through a temp file and rename so a crash never leaves
// a torn blob behind.
type BlobStore struct {
	dir string
	mu  sync.Mutex
}

// NewBlobStore returns a BlobStore rooted at dir.
func NewBlobStore(dir string) *BlobStore { return &BlobStore{dir: dir} }

// Save writes the sealed blob.
func (s *BlobStore) Save(sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFile(filepath.Join(s.dir, blobFilename), sealed, 0o600)
}

// Load reads the sealed blob. A missing file is not an error; ok is false.
func (s *BlobStore) Load() (sealed []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(filepath.Join(s.dir, blobFilename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// writeFile writes bytes via a temp file, then atomically replaces the target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	f, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	// Best-effort cleanup if anything fails before rename.
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
