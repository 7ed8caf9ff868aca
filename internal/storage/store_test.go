package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/covgrid/internal/model"
)

// stores returns a fresh instance of every implementation.
func stores(t *testing.T) map[string]Store {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "spills"))
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
	}
}

func TestStoreContract(t *testing.T) {
	for name, store := range stores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			keys, err := store.List()
			require.NoError(t, err)
			assert.Empty(t, keys)

			_, err = store.Get("missing")
			assert.True(t, errors.Is(err, ErrKeyNotFound))

			require.NoError(t, store.Put("b", []byte("two")))
			require.NoError(t, store.Put("a", []byte("one")))
			require.NoError(t, store.Put("a", []byte("uno")))

			v, err := store.Get("a")
			require.NoError(t, err)
			assert.Equal(t, []byte("uno"), v)

			keys, err = store.List()
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, keys)

			st := store.Stats()
			assert.Equal(t, 2, st.Keys)
			assert.Equal(t, int64(6), st.Bytes)

			require.NoError(t, store.Delete("a"))
			require.NoError(t, store.Delete("a"), "delete is idempotent")
			_, err = store.Get("a")
			assert.True(t, errors.Is(err, ErrKeyNotFound))
		})
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := NewMemoryStore()
	value := []byte("value")
	require.NoError(t, store.Put("k", value))
	value[0] = 'X'

	got, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	got[0] = 'Y'
	again, _ := store.Get("k")
	assert.Equal(t, []byte("value"), again)
}

func TestFileStoreRejectsPathKeys(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"", "../escape", "a/b", ".hidden"} {
		assert.Error(t, fs.Put(key, []byte("x")), key)
	}
}

func TestFileStoreHidesTempFiles(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".spill-0000.xml.zst.123"), []byte("partial"), 0o644))
	require.NoError(t, fs.Put("spill-0000.xml.zst", []byte("done")))

	keys, err := fs.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"spill-0000.xml.zst"}, keys)
}

func TestStoreConcurrentPuts(t *testing.T) {
	for name, store := range stores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			const writers = 8
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					for j := 0; j < 10; j++ {
						assert.NoError(t, store.Put(fmt.Sprintf("k-%d-%d", i, j), []byte("v")))
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, writers*10, store.Stats().Keys)
		})
	}
}

func spillTree(count int64) *model.Root {
	r := model.NewBuilder(false).Class("p", "C", 1, 1).Method("m", "()V").Block(0, 3).Root()
	r.AddCount(0, count)
	r.AddTest("t", false)
	return r
}

func TestSpillLogRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			log, err := NewSpillLog(store)
			require.NoError(t, err)

			k1, err := log.Append(spillTree(3))
			require.NoError(t, err)
			k2, err := log.Append(spillTree(4))
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("spill-%s-000001.xml.zst", log.Run()), k1)
			assert.Equal(t, fmt.Sprintf("spill-%s-000002.xml.zst", log.Run()), k2)

			assert.Equal(t, []string{k1, k2}, log.Keys())
			assert.Equal(t, 2, log.Len())

			root, err := log.Load(k2)
			require.NoError(t, err)
			assert.Equal(t, spillTree(4).Counters(), root.Counters())
			assert.Equal(t, []string{"t"}, root.Tests)
		})
	}
}

func TestSpillLogIgnoresEarlierRuns(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	earlier, err := NewSpillLog(fs)
	require.NoError(t, err)
	old, err := earlier.Append(spillTree(100))
	require.NoError(t, err)
	require.NoError(t, fs.Put("notes.txt", []byte("ignored")))

	log, err := NewSpillLog(fs)
	require.NoError(t, err)
	assert.NotEqual(t, earlier.Run(), log.Run())
	assert.Zero(t, log.Len())
	assert.Equal(t, dir, log.Location())

	key, err := log.Append(spillTree(1))
	require.NoError(t, err)
	assert.Equal(t, []string{key}, log.Keys())

	kept, err := earlier.Load(old)
	require.NoError(t, err)
	assert.Equal(t, spillTree(100).Counters(), kept.Counters(), "earlier run's spill left untouched")
}

func TestSpillLogKeepsWriteOrderPastPadding(t *testing.T) {
	log, err := NewSpillLog(NewMemoryStore())
	require.NoError(t, err)
	log.keys = make([]string, 999_999)

	key, err := log.Append(spillTree(1))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("spill-%s-1000000.xml.zst", log.Run()), key)
	keys := log.Keys()
	assert.Equal(t, key, keys[len(keys)-1])
}
