package collector

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/covgrid/internal/merge"
	"github.com/dreamware/covgrid/internal/model"
	"github.com/dreamware/covgrid/internal/storage"
	"github.com/dreamware/covgrid/internal/wire"
)

const (
	keyA = "p.C#a()V/method:0-0"
	keyB = "p.C#b()V/method:0-0"
)

// twoSlots is a template with A at slot 0 and B at slot 1.
func twoSlots() *model.Root {
	return model.NewBuilder(false).
		Class("p", "C", 10, 1).
		Method("a", "()V").
		Method("b", "()V").
		Root()
}

func static(test string, values ...wire.SlotValue) *wire.Submission {
	return &wire.Submission{
		Header: wire.Header{Kind: wire.Static, Version: wire.Version, Tester: "tester", Test: test},
		Values: values,
	}
}

func dynamic(test string, tree *model.Root) *wire.Submission {
	return &wire.Submission{
		Header: wire.Header{Kind: wire.Dynamic, Version: wire.Version, Tester: "tester", Test: test},
		Tree:   tree,
	}
}

func counters(t *testing.T, a *Aggregate) map[string]int64 {
	t.Helper()
	root, _ := a.Snapshot()
	require.NotNil(t, root)
	return root.Counters()
}

func TestAggregateStaticSlots(t *testing.T) {
	a := NewAggregate(twoSlots(), AggregateOptions{}, nil)
	require.NoError(t, a.Apply(static("t1", wire.SlotValue{Slot: 0, Value: 1})))
	require.NoError(t, a.Apply(static("t2", wire.SlotValue{Slot: 1, Value: 3})))

	c := counters(t, a)
	assert.Equal(t, int64(1), c[keyA])
	assert.Equal(t, int64(3), c[keyB])
}

func TestAggregateLegacyCounters(t *testing.T) {
	a := NewAggregate(twoSlots(), AggregateOptions{}, nil)
	sub := &wire.Submission{Header: wire.Header{Kind: wire.Legacy, Test: "legacy"}, Counters: []int64{2, 5, 99}}
	require.NoError(t, a.Apply(sub))

	c := counters(t, a)
	assert.Equal(t, int64(2), c[keyA])
	assert.Equal(t, int64(5), c[keyB])
	assert.Len(t, c, 2, "counters past the template are ignored")
}

func TestAggregateRejectsStaticWithoutTemplate(t *testing.T) {
	a := NewAggregate(nil, AggregateOptions{}, nil)
	err := a.Apply(static("t", wire.SlotValue{Slot: 0, Value: 1}))
	assert.True(t, errors.Is(err, ErrNoTemplate))
	assert.False(t, a.Unsaved())
}

func TestAggregateTemplateNotModified(t *testing.T) {
	tmpl := twoSlots()
	a := NewAggregate(tmpl, AggregateOptions{}, nil)
	require.NoError(t, a.Apply(static("t", wire.SlotValue{Slot: 0, Value: 7})))
	assert.Zero(t, tmpl.Counters()[keyA])
}

func TestAggregateConcurrentAppliesAreAtomic(t *testing.T) {
	a := NewAggregate(twoSlots(), AggregateOptions{DedupeByName: true}, nil)

	const producers = 64
	var wg sync.WaitGroup
	for i := 1; i <= producers; i++ {
		wg.Add(1)
		go func(delta int64) {
			defer wg.Done()
			assert.NoError(t, a.Apply(static("t", wire.SlotValue{Slot: 0, Value: delta})))
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, int64(producers*(producers+1)/2), counters(t, a)[keyA])
}

func TestAggregateDuplicateTestNamesShareAColumn(t *testing.T) {
	a := NewAggregate(twoSlots(), AggregateOptions{DedupeByName: true, Scales: true}, nil)
	require.NoError(t, a.Apply(static("login", wire.SlotValue{Slot: 0, Value: 1})))
	require.NoError(t, a.Apply(static("login", wire.SlotValue{Slot: 1, Value: 1})))

	root, _ := a.Snapshot()
	assert.Equal(t, []string{"login"}, root.Tests)
	assert.Equal(t, 1, root.Scale.Columns())
	assert.True(t, root.Scale.Hit(0, 0))
	assert.True(t, root.Scale.Hit(1, 0))
}

func TestAggregateWithoutDedupeAddsColumns(t *testing.T) {
	a := NewAggregate(twoSlots(), AggregateOptions{Scales: true}, nil)
	require.NoError(t, a.Apply(static("login", wire.SlotValue{Slot: 0, Value: 1})))
	require.NoError(t, a.Apply(static("login", wire.SlotValue{Slot: 1, Value: 1})))

	root, _ := a.Snapshot()
	assert.Equal(t, []string{"login", "login"}, root.Tests)
	assert.False(t, root.Scale.Hit(1, 0))
	assert.True(t, root.Scale.Hit(1, 1))
}

func TestAggregateDynamicWithoutTemplate(t *testing.T) {
	a := NewAggregate(nil, AggregateOptions{}, nil)

	first := twoSlots()
	first.AddCount(0, 2)
	require.NoError(t, a.Apply(dynamic("t1", first)))

	second := twoSlots()
	second.AddCount(1, 4)
	require.NoError(t, a.Apply(dynamic("t2", second)))

	c := counters(t, a)
	assert.Equal(t, int64(2), c[keyA])
	assert.Equal(t, int64(4), c[keyB])
}

func TestAggregateRejectsIncompatibleTreeUnchanged(t *testing.T) {
	a := NewAggregate(nil, AggregateOptions{Looseness: merge.LooseStrict}, nil)
	first := twoSlots()
	first.AddCount(0, 1)
	require.NoError(t, a.Apply(dynamic("t1", first)))
	before := counters(t, a)

	other := model.NewBuilder(false).Class("p", "C", 10, 1).Method("z", "()V").Root()
	other.AddCount(0, 5)
	err := a.Apply(dynamic("t2", other))
	assert.True(t, errors.Is(err, ErrIncompatible))
	assert.Equal(t, before, counters(t, a))
}

func TestAggregateDumpResetsCounters(t *testing.T) {
	log, err := storage.NewSpillLog(storage.NewMemoryStore())
	require.NoError(t, err)
	a := NewAggregate(twoSlots(), AggregateOptions{}, nil)

	_, wrote, err := a.Dump(log)
	require.NoError(t, err)
	assert.False(t, wrote, "nothing to dump yet")

	require.NoError(t, a.Apply(static("t", wire.SlotValue{Slot: 0, Value: 3})))
	key, wrote, err := a.Dump(log)
	require.NoError(t, err)
	require.True(t, wrote)

	assert.Zero(t, counters(t, a)[keyA])
	spilled, err := log.Load(key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), spilled.Counters()[keyA])
	assert.Equal(t, []string{"t"}, spilled.Tests)

	_, wrote, err = a.Dump(log)
	require.NoError(t, err)
	assert.False(t, wrote, "unchanged since last dump")
	assert.True(t, a.Unsaved())
}

func TestAggregateMarkSaved(t *testing.T) {
	a := NewAggregate(twoSlots(), AggregateOptions{}, nil)
	require.NoError(t, a.Apply(static("t", wire.SlotValue{Slot: 0, Value: 1})))
	_, gen := a.Snapshot()
	require.NoError(t, a.Apply(static("t", wire.SlotValue{Slot: 0, Value: 1})))

	a.MarkSaved(gen)
	assert.True(t, a.Unsaved(), "a later submission is still unsaved")
	_, gen = a.Snapshot()
	a.MarkSaved(gen)
	assert.False(t, a.Unsaved())
}

func TestAggregateRejectedTreeKeptAsReceived(t *testing.T) {
	a := NewAggregate(nil, AggregateOptions{Scales: true, DedupeByName: true}, nil)
	require.NoError(t, a.Apply(dynamic("t1", twoSlots())))

	other := model.NewBuilder(false).Class("p", "C", 10, 1).Method("z", "()V").Root()
	other.AddCount(0, 5)
	other.Tests = []string{"as-sent"}
	sub := dynamic("t2", other)

	err := a.Apply(sub)
	require.True(t, errors.Is(err, ErrIncompatible))
	assert.Equal(t, []string{"as-sent"}, sub.Tree.Tests)
	assert.Nil(t, sub.Tree.Scale)
	assert.Equal(t, int64(5), sub.Tree.Counters()["p.C#z()V/method:0-0"])
}

func TestDumpWaitsForInFlightMerge(t *testing.T) {
	log, err := storage.NewSpillLog(storage.NewMemoryStore())
	require.NoError(t, err)
	a := NewAggregate(twoSlots(), AggregateOptions{}, nil)
	require.NoError(t, a.Apply(static("t", wire.SlotValue{Slot: 0, Value: 1})))

	// a merge holds the gate shared for its whole duration
	a.gate.RLock()
	dumped := make(chan struct{})
	go func() {
		defer close(dumped)
		_, _, _ = a.Dump(log)
	}()

	select {
	case <-dumped:
		t.Fatal("dump ran during an in-flight merge")
	case <-time.After(50 * time.Millisecond):
	}
	a.gate.RUnlock()

	select {
	case <-dumped:
	case <-time.After(5 * time.Second):
		t.Fatal("dump never ran")
	}
	assert.Equal(t, 1, log.Len())
}

func TestMergeWaitsForDump(t *testing.T) {
	a := NewAggregate(twoSlots(), AggregateOptions{}, nil)

	// a dump holds the gate exclusively
	a.gate.Lock()
	merged := make(chan error, 1)
	go func() {
		merged <- a.Apply(static("t", wire.SlotValue{Slot: 0, Value: 1}))
	}()

	select {
	case <-merged:
		t.Fatal("merge ran during a dump")
	case <-time.After(50 * time.Millisecond):
	}
	a.gate.Unlock()

	select {
	case err := <-merged:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("merge never ran")
	}
	assert.Equal(t, int64(1), counters(t, a)[keyA])
}
