package storage

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// FileStore keeps one file per key in a directory. Keys must be plain file
// names. Writes go through a temporary file and a rename, so a crash never
// leaves a half-written value under a key.
type FileStore struct {
	dir string     // Backing directory
	mu  sync.Mutex // Serialises writes; reads go straight to the file system
}

// NewFileStore opens dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "storage: create %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

// Dir is the backing directory.
func (f *FileStore) Dir() string {
	return f.dir
}

// Path returns the file that holds key.
func (f *FileStore) Path(key string) string {
	return filepath.Join(f.dir, key)
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return errors.Newf("storage: invalid key %q", key)
	}
	return nil
}

// Get reads the file for key.
// Returns ErrKeyNotFound if no such file exists.
func (f *FileStore) Get(key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(ErrKeyNotFound, key)
	}
	return data, errors.Wrapf(err, "storage: read %s", key)
}

// Put writes value under key, replacing any existing file.
//
// Parameters:
//   - key: Plain file name; separators and a leading dot are rejected
//   - value: File content
//
// Implementation:
//  1. Write value to a hidden temporary file in the same directory
//  2. Fsync and close it
//  3. Rename it over the key's file
func (f *FileStore) Put(key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, "."+key+".*")
	if err != nil {
		return errors.Wrapf(err, "storage: create temp for %s", key)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "storage: write %s", key)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "storage: sync %s", key)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "storage: close %s", key)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), f.Path(key)), "storage: rename %s", key)
}

// Delete removes the file for key.
// No error if it doesn't exist.
func (f *FileStore) Delete(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := os.Remove(f.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return errors.Wrapf(err, "storage: delete %s", key)
}

// List returns the keys in ascending order. Temporary files are hidden.
func (f *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: list %s", f.dir)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		keys = append(keys, e.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

// Stats counts the visible files and their total size.
func (f *FileStore) Stats() StoreStats {
	keys, err := f.List()
	if err != nil {
		return StoreStats{}
	}
	st := StoreStats{Keys: len(keys)}
	for _, k := range keys {
		if info, err := os.Stat(f.Path(k)); err == nil {
			st.Bytes += info.Size()
		}
	}
	return st
}
