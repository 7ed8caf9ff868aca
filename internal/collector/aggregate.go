package collector

import (
	"io"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/covgrid/internal/merge"
	"github.com/dreamware/covgrid/internal/model"
	"github.com/dreamware/covgrid/internal/scale"
	"github.com/dreamware/covgrid/internal/storage"
	"github.com/dreamware/covgrid/internal/wire"
)

var (
	// ErrNoTemplate rejects a slot-addressed submission when the collector
	// has no template to resolve slots against.
	ErrNoTemplate = errors.New("collector: no template for a static submission")
	// ErrIncompatible rejects a structured submission that failed the
	// compatibility check.
	ErrIncompatible = errors.New("collector: incompatible submission")
)

// AggregateOptions configures how submissions are folded in.
type AggregateOptions struct {
	Looseness        merge.Looseness
	WarningsCritical bool
	DedupeByName     bool
	Scales           bool
}

// Aggregate is the collector's only shared mutable state: the accumulated
// tree and its test list.
//
// Two locks guard it. gate is the dump gate: Apply holds it shared, Dump
// holds it exclusively, so a dump waits for in-flight merges and new merges
// wait for the dump. mu serialises merges among themselves.
type Aggregate struct {
	gate sync.RWMutex
	mu   sync.Mutex

	opts     AggregateOptions
	logger   *slog.Logger
	template *model.Root
	fp       int32
	slots    int
	root     *model.Root

	gen       uint64 // bumped by every applied submission
	savedGen  uint64
	dumpedGen uint64
}

// NewAggregate seeds the aggregate from template, which may be nil. The
// template itself is not modified.
func NewAggregate(template *model.Root, opts AggregateOptions, logger *slog.Logger) *Aggregate {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &Aggregate{opts: opts, logger: logger}
	if template != nil {
		a.template = template
		a.fp = template.Fingerprint()
		a.slots = template.SlotCount()
		a.root = a.fresh(template)
	}
	return a
}

func (a *Aggregate) fresh(from *model.Root) *model.Root {
	r := from.Clone()
	r.ResetCounters()
	r.Scale = nil
	if a.opts.Scales {
		r.Scale = scale.New()
	}
	if a.opts.Looseness == merge.LooseBlocks {
		r.TruncateToMethods()
	}
	return r
}

// HasTemplate reports whether slot-addressed submissions can be merged.
func (a *Aggregate) HasTemplate() bool {
	return a.template != nil
}

// Apply merges one submission atomically.
// A rejected submission leaves the aggregate unchanged, and sub itself is
// never modified.
//
// Parameters:
//   - sub: Decoded submission; flat ones need a template
//
// Returns:
//   - error: ErrNoTemplate, ErrIncompatible (wrapped with the counts) or a
//     malformed submission
//
// Implementation:
//  1. Take the dump gate shared, then the merge lock
//  2. Flat: add each slot's value and mark the test's scale column
//  3. Tree: check compatibility at the configured looseness, then merge
//  4. Bump the generation so STATUS reports unsaved data
func (a *Aggregate) Apply(sub *wire.Submission) error {
	a.gate.RLock()
	defer a.gate.RUnlock()
	a.mu.Lock()
	defer a.mu.Unlock()

	if sub.Flat() {
		return a.applyFlat(sub)
	}
	return a.applyTree(sub)
}

func (a *Aggregate) applyFlat(sub *wire.Submission) error {
	if a.template == nil {
		return ErrNoTemplate
	}
	if sub.Kind == wire.Static && sub.Fingerprint != 0 && sub.Fingerprint != a.fp {
		a.logger.Warn("static submission built against a different template",
			"tester", sub.Tester, "test", sub.Test,
			"fingerprint", sub.Fingerprint, "template_fingerprint", a.fp)
	}
	if sub.SlotCount > a.slots {
		a.logger.Warn("submission has more slots than the template, extra slots ignored",
			"test", sub.Test, "slots", sub.SlotCount, "template_slots", a.slots)
	}

	col := a.root.AddTest(sub.Test, a.opts.DedupeByName)
	sub.Each(func(slot int, v int64) {
		if slot < 0 || slot >= a.slots || v == 0 {
			return
		}
		if a.root.AddCount(slot, v) && a.root.Scale != nil {
			a.root.Scale.Mark(slot, col)
		}
	})
	a.gen++
	return nil
}

func (a *Aggregate) applyTree(sub *wire.Submission) error {
	if sub.Tree == nil {
		return errors.New("collector: dynamic submission without a tree")
	}
	// sub.Tree stays as received for the bad-data directory
	tree := sub.Tree.Clone()
	tree.Tests = nil
	tree.Scale = nil
	if a.opts.Scales {
		tree.Scale = scale.New()
	}
	tree.MarkHits(tree.AddTest(sub.Test, false))
	if a.opts.Looseness == merge.LooseBlocks {
		tree.TruncateToMethods()
	}

	if a.root == nil {
		a.root = tree
		a.gen++
		return nil
	}

	rep := merge.Check(a.root, tree, merge.CheckOptions{Looseness: a.opts.Looseness})
	for _, is := range rep.Issues {
		a.logger.Warn("compatibility issue", "tester", sub.Tester, "test", sub.Test, "issue", is.String())
	}
	if rep.Critical(a.opts.WarningsCritical) {
		return errors.Wrapf(ErrIncompatible, "%d errors, %d warnings", rep.Errors, rep.Warnings)
	}

	merge.Into(a.root, tree, merge.IntoOptions{Anchored: a.template != nil})
	if a.opts.DedupeByName {
		if _, err := a.root.IlluminateDuplicates(); err != nil {
			return errors.Wrap(err, "collector: folding duplicate tests")
		}
	}
	a.gen++
	return nil
}

// Snapshot returns a deep copy of the current tree and the generation it
// reflects. The copy is nil when nothing was ever received and there is no
// template.
func (a *Aggregate) Snapshot() (*model.Root, uint64) {
	var out *model.Root
	var gen uint64
	_ = a.View(func(live *model.Root, g uint64) error {
		if live != nil {
			out = live.Clone()
		}
		gen = g
		return nil
	})
	return out, gen
}

// View calls fn with the live tree while neither merges nor dumps can run.
// fn must not keep live or call back into the aggregate.
func (a *Aggregate) View(fn func(live *model.Root, gen uint64) error) error {
	a.gate.RLock()
	defer a.gate.RUnlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	return fn(a.root, a.gen)
}

// Unsaved reports whether submissions arrived since the last save.
func (a *Aggregate) Unsaved() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen != a.savedGen
}

// MarkSaved records that everything up to gen is persisted.
func (a *Aggregate) MarkSaved(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen > a.savedGen {
		a.savedGen = gen
	}
}

// Dump writes the tree to log and resets every counter and the test list.
// It reports false when nothing changed since the previous dump. On error
// the aggregate is left as it was.
func (a *Aggregate) Dump(log *storage.SpillLog) (string, bool, error) {
	a.gate.Lock()
	defer a.gate.Unlock()

	if a.root == nil || a.gen == a.dumpedGen {
		return "", false, nil
	}
	key, err := log.Append(a.root)
	if err != nil {
		return "", false, err
	}
	a.root.ResetCounters()
	a.dumpedGen = a.gen
	return key, true, nil
}
