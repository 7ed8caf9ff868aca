package storage

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/dreamware/covgrid/internal/codec"
	"github.com/dreamware/covgrid/internal/model"
)

const (
	spillPrefix = "spill-"
	spillSuffix = ".xml.zst"
)

// SpillLog is the ordered sequence of partial results written by one
// collector run. Every Append writes a new key; existing spills are never
// rewritten.
//
// Keys carry a run identifier, so spills left behind by an earlier run in the
// same store are neither overwritten nor returned by Keys. They stay on disk
// for manual recovery with covmerge.
// Thread-safe: All methods are safe for concurrent access.
type SpillLog struct {
	store Store  // Backing store shared with other runs
	run   string // Run identifier embedded in every key

	mu   sync.Mutex // Protects keys
	keys []string   // Keys appended by this log, in write order
}

// NewSpillLog starts a new run in store.
// The store is listed once so an unusable store fails here rather than at the
// first dump.
//
// Parameters:
//   - store: Where spill documents are written
//
// Returns:
//   - *SpillLog: An empty log with a fresh run identifier
//   - error: The store could not be listed
//
// Example:
//
//	fs, _ := storage.NewFileStore("out/spill")
//	log, err := storage.NewSpillLog(fs)
func NewSpillLog(store Store) (*SpillLog, error) {
	if _, err := store.List(); err != nil {
		return nil, errors.Wrap(err, "storage: spill store unusable")
	}
	return &SpillLog{
		store: store,
		run:   strings.SplitN(uuid.NewString(), "-", 2)[0],
	}, nil
}

// Run is the identifier shared by every key of this log.
func (l *SpillLog) Run() string {
	return l.run
}

// Append encodes root with zstd and stores it under the next key of the run.
//
// Parameters:
//   - root: Partial result to persist; it is not retained
//
// Returns:
//   - string: The new key, e.g. "spill-1a2b3c4d-000001.xml.zst"
//   - error: Encoding or store failure; nothing is recorded in that case
func (l *SpillLog) Append(root *model.Root) (string, error) {
	data, err := codec.Marshal(root, codec.Zstd)
	if err != nil {
		return "", errors.Wrap(err, "storage: encode spill")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	key := fmt.Sprintf("%s%s-%06d%s", spillPrefix, l.run, len(l.keys)+1, spillSuffix)
	if err := l.store.Put(key, data); err != nil {
		return "", err
	}
	l.keys = append(l.keys, key)
	return key, nil
}

// Keys lists this run's spills in write order.
func (l *SpillLog) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.keys...)
}

// Load decodes the spill stored under key.
func (l *SpillLog) Load(key string) (*model.Root, error) {
	data, err := l.store.Get(key)
	if err != nil {
		return nil, err
	}
	root, err := codec.Unmarshal(data)
	return root, errors.Wrapf(err, "storage: decode %s", key)
}

// Len is the number of spills this run wrote.
func (l *SpillLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// Location describes where spills live, for messages to operators.
func (l *SpillLog) Location() string {
	if fs, ok := l.store.(*FileStore); ok {
		return fs.Dir()
	}
	return "memory"
}
