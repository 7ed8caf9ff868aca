package merge

import (
	"context"
	"io"
	"log/slog"
	"runtime"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/covgrid/internal/codec"
	"github.com/dreamware/covgrid/internal/metrics"
	"github.com/dreamware/covgrid/internal/model"
	"github.com/dreamware/covgrid/internal/scale"
)

var (
	// ErrTooFewFiles is returned when fewer than two inputs could be merged.
	ErrTooFewFiles = errors.New("merge: at least two files are needed")
	// ErrBatchFailed is returned when the error policy rejected the batch.
	ErrBatchFailed = errors.New("merge: batch failed")
)

// Input is one file of a batch.
type Input struct {
	// Name is used in messages, in the skipped list and as the test name of
	// a file without tests. It defaults to Path.
	Name string
	Path string
	// TestList optionally names the file's test columns, one per line.
	TestList string
	// Load overrides reading Path.
	Load func(ctx context.Context) (*model.Root, error)
}

func (in Input) name() string {
	if in.Name != "" {
		return in.Name
	}
	return in.Path
}

func (in Input) load(ctx context.Context) (*model.Root, error) {
	if in.Load != nil {
		return in.Load(ctx)
	}
	return codec.ReadFile(in.Path)
}

// Options configures a batch.
type Options struct {
	Looseness        Looseness
	BreakOnError     BreakOnError
	WarningsCritical bool
	// DedupeByName folds test columns with equal names.
	DedupeByName bool
	// GenerateTests fills Result.Tests.
	GenerateTests bool
	// Scales keeps a per-test hit matrix in the result.
	Scales bool
	// Workers bounds parallel file loading. Zero means NumCPU.
	Workers int
}

// Batch is a merge request. When Template or TemplateRoot is set, the
// template seeds the result: only its items are kept and it counts as a
// merged file, but its tests do not become columns.
type Batch struct {
	Template     *Input
	TemplateRoot *model.Root
	Inputs       []Input
	Options      Options
}

// Result of a batch. Root is nil whenever the batch failed, ran in test
// mode or merged fewer than two files.
type Result struct {
	Root        *model.Root
	Tests       []string
	Skipped     []string
	Issues      []Issue
	Errors      int
	Warnings    int
	FilesMerged int
	Err         error
}

// Failed reports whether the batch produced no usable result.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// Engine runs merge batches.
type Engine struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEngine returns an engine. Both arguments may be nil.
func NewEngine(logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{logger: logger, metrics: m}
}

type loaded struct {
	root *model.Root
	err  error
}

// Run merges the batch.
// Files are loaded in parallel and merged in order. The returned Result is
// never nil; Result.Err says whether the batch produced a tree.
//
// Parameters:
//   - ctx: Cancels loading and merging
//   - b: Inputs, optional template and options
//
// Returns:
//   - *Result: Merged tree, tests, skipped files and issue counts
//
// Implementation:
//  1. Seed the accumulator from the template, which counts as one merged file
//  2. Load every input concurrently, bounded by Options.Workers
//  3. Check each file against the accumulator and apply the BreakOnError action
//  4. Merge accepted files, folding duplicate test names after each one
//  5. Fail with ErrBatchFailed on recorded errors, or ErrTooFewFiles below two
func (e *Engine) Run(ctx context.Context, b Batch) *Result {
	opts := b.Options
	res := &Result{}

	var acc *model.Root
	anchored := false
	if tmpl, err := e.template(ctx, b); err != nil {
		res.Errors++
		res.Err = errors.Wrap(err, "merge: template")
		return res
	} else if tmpl != nil {
		acc = tmpl
		anchored = true
		res.FilesMerged = 1
	}

	files := e.loadAll(ctx, b.Inputs, opts)

	failed := false
	for i, in := range b.Inputs {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		f := files[i]
		var rep Report
		if f.err != nil {
			e.logger.Error("cannot read coverage file", "file", in.name(), "error", f.err)
			rep = Report{Errors: 1, Issues: []Issue{{
				Class: in.name(), Kind: MismatchUnreadable, Severity: SeverityError, Detail: f.err.Error(),
			}}}
		} else if acc != nil {
			rep = Check(acc, f.root, CheckOptions{
				Looseness:        opts.Looseness,
				StopAtFirstError: opts.BreakOnError.stopAtFirst(),
			})
		}
		res.Errors += rep.Errors
		res.Warnings += rep.Warnings
		res.Issues = append(res.Issues, rep.Issues...)
		for _, is := range rep.Issues {
			e.logger.Warn("compatibility issue", "file", in.name(), "issue", is.String())
		}

		if rep.Critical(opts.WarningsCritical) {
			switch opts.BreakOnError.onCritical() {
			case actFailAndContinue:
				failed = true
				e.metrics.MergeFile(metrics.ResultFailed)
				continue
			case actFailAndStop:
				e.metrics.MergeFile(metrics.ResultFailed)
				res.Err = errors.Wrapf(ErrBatchFailed, "%s: %d errors, %d warnings", in.name(), rep.Errors, rep.Warnings)
				return res
			case actSkip:
				e.logger.Info("skipping file", "file", in.name())
				res.Skipped = append(res.Skipped, in.name())
				e.metrics.MergeFile(metrics.ResultSkipped)
				continue
			case actRecord:
				failed = true
				e.metrics.MergeFile(metrics.ResultFailed)
				continue
			}
		}

		if acc == nil {
			acc = f.root
		} else {
			Into(acc, f.root, IntoOptions{Anchored: anchored})
		}
		if opts.DedupeByName {
			if _, err := acc.IlluminateDuplicates(); err != nil {
				res.Err = errors.Wrap(err, "merge: folding duplicate tests")
				return res
			}
		}
		files[i].root = nil
		res.FilesMerged++
		e.metrics.MergeFile(metrics.ResultMerged)
	}

	switch {
	case opts.BreakOnError == BreakTest:
		if failed {
			res.Err = errors.Wrapf(ErrBatchFailed, "%d errors, %d warnings", res.Errors, res.Warnings)
		}
		return res
	case failed:
		res.Err = errors.Wrapf(ErrBatchFailed, "%d errors, %d warnings", res.Errors, res.Warnings)
		return res
	case res.FilesMerged < 2:
		res.Err = errors.Wrapf(ErrTooFewFiles, "merged %d", res.FilesMerged)
		return res
	}

	res.Root = acc
	if opts.GenerateTests {
		res.Tests = append([]string(nil), acc.Tests...)
	}
	return res
}

func (e *Engine) template(ctx context.Context, b Batch) (*model.Root, error) {
	var root *model.Root
	switch {
	case b.TemplateRoot != nil:
		root = b.TemplateRoot.Clone()
	case b.Template != nil:
		r, err := b.Template.load(ctx)
		if err != nil {
			return nil, err
		}
		root = r
	default:
		return nil, nil
	}
	root.Tests = nil
	root.Scale = nil
	if b.Options.Scales {
		root.Scale = scale.New()
	}
	if b.Options.Looseness == LooseBlocks {
		root.TruncateToMethods()
	}
	return root, nil
}

func (e *Engine) loadAll(ctx context.Context, inputs []Input, opts Options) []loaded {
	out := make([]loaded, len(inputs))
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			root, err := in.load(gctx)
			if err == nil {
				err = prepare(root, in, opts)
			}
			out[i] = loaded{root: root, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// prepare names the file's test columns and shapes it for the batch.
func prepare(root *model.Root, in Input, opts Options) error {
	if in.TestList != "" {
		names, err := codec.ReadTestListFile(in.TestList)
		if err != nil {
			return err
		}
		switch {
		case len(root.Tests) == 0 && len(names) == 1:
			root.Tests = nil
			root.AddTest(names[0], false)
			root.MarkHits(0)
		case len(names) == len(root.Tests):
			root.Tests = names
		default:
			return errors.Newf("test list %s names %d tests, file has %d", in.TestList, len(names), len(root.Tests))
		}
	}

	if opts.Scales {
		if root.Scale == nil {
			root.Scale = scale.New()
			tests := root.Tests
			root.Tests = nil
			if len(tests) == 0 {
				tests = []string{in.name()}
			}
			for _, t := range tests {
				root.MarkHits(root.AddTest(t, false))
			}
		} else if len(root.Tests) == 0 {
			root.MarkHits(root.AddTest(in.name(), false))
		}
	} else {
		root.Scale = nil
		if len(root.Tests) == 0 {
			root.Tests = []string{in.name()}
		}
	}

	if opts.Looseness == LooseBlocks {
		root.TruncateToMethods()
	}
	return nil
}
