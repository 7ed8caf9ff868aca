package collector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dreamware/covgrid/internal/codec"
	"github.com/dreamware/covgrid/internal/control"
	"github.com/dreamware/covgrid/internal/merge"
	"github.com/dreamware/covgrid/internal/metrics"
	"github.com/dreamware/covgrid/internal/model"
	"github.com/dreamware/covgrid/internal/storage"
	"github.com/dreamware/covgrid/internal/wire"
)

// ErrStopped is returned by operations attempted after shutdown began.
var ErrStopped = errors.New("collector: stopped")

// SpillMode selects whether the memory-pressure dump cycle runs.
type SpillMode string

const (
	// SpillAuto spills only when a template is configured.
	SpillAuto SpillMode = "auto"
	// SpillOn always runs the memory monitor and dump cycle.
	SpillOn SpillMode = "on"
	// SpillOff keeps everything in memory until the save.
	SpillOff SpillMode = "off"
)

// Options configures a Server.
type Options struct {
	// Listen is the data port address.
	Listen string
	// Workers bounds concurrently processed connections. Zero means NumCPU.
	Workers int
	// MaxConnections stops the server after that many accepted
	// connections. Zero means unbounded.
	MaxConnections int
	// SaveAtReceive rewrites Output after every merged submission.
	SaveAtReceive bool
	// BadDataDir receives rejected structured submissions.
	BadDataDir string
	// Output is the result path.
	Output string

	// Template seeds the aggregate; TemplatePath is reported by STATUS and
	// WAIT and sizes the memory tier.
	Template     *model.Root
	TemplatePath string

	Aggregate AggregateOptions

	Spill               SpillMode
	SpillDir            string
	Spills              storage.Store
	MemoryLimit         uint64
	MemoryCheckInterval time.Duration
	// MemoryUsage replaces the heap reading.
	MemoryUsage func() uint64

	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	RunCommand      string
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.Output == "" {
		o.Output = "result.xml"
	}
	if o.Spill == "" {
		o.Spill = SpillAuto
	}
	if o.MemoryCheckInterval <= 0 {
		o.MemoryCheckInterval = time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
}

// ConnState is the lifecycle of one producer connection.
type ConnState int

const (
	StateConnected     ConnState = iota // Accepted, nothing read yet
	StateReadingHeader                  // Decoding magic, version and names
	StateReadingBody                    // Decoding the mode-specific payload
	StateMerged                         // Applied to the aggregate
	StateRejected                       // Malformed or refused; aggregate untouched
	StateClosed                         // Connection released
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateReadingHeader:
		return "READING_HEADER"
	case StateReadingBody:
		return "READING_BODY"
	case StateMerged:
		return "MERGED"
	case StateRejected:
		return "REJECTED"
	default:
		return "CLOSED"
	}
}

type trackedConn struct {
	conn  net.Conn
	state ConnState
}

// Server receives submissions on the data port and folds them into one
// Aggregate. It owns the spill cycle and the final save.
// Thread-safe: All exported methods are safe for concurrent access.
type Server struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	agg     *Aggregate          // The only shared coverage state
	engine  *merge.Engine       // Final merge of spills
	spills  *storage.SpillLog   // Nil when spilling is off
	monitor *MemoryMonitor      // Nil when spilling is off
	sem     *semaphore.Weighted // Bounds concurrent connections to Workers
	workDir string              // Reported by STATUS

	mu       sync.Mutex              // Protects listener, conns and killErr
	listener net.Listener            // Data port
	conns    map[uint64]*trackedConn // Live connections, closed on force kill

	wg       sync.WaitGroup // In-flight connections
	nextID   atomic.Uint64  // Connection ids for logs
	total    atomic.Int64   // Connections accepted
	active   atomic.Int64   // Connections accepted and not yet released
	badSeq   atomic.Int64   // Bad-data file sequence
	started  atomic.Bool
	stopping atomic.Bool
	dumping  atomic.Bool // An asynchronous dump is running

	saveMu       sync.Mutex // One save at a time
	gracefulOnce sync.Once
	killErr      error
	doneOnce     sync.Once
	done         chan struct{}
}

// New builds a server. Nothing listens until Start or RunOnce.
// When spilling applies, the spill store is opened and the memory tier is
// chosen here, so configuration problems surface before the port is bound.
//
// Parameters:
//   - opts: Server configuration; zero fields take their defaults
//   - logger: Structured logger; nil discards
//   - m: Metrics; nil disables instrumentation
//
// Returns:
//   - *Server: Ready to Start or RunOnce
//   - error: Spill store or total memory unavailable
//
// Example:
//
//	srv, err := collector.New(collector.Options{Listen: ":3334", Template: tmpl}, logger, m)
//	if err != nil {
//	    return err
//	}
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	<-srv.Done()
func New(opts Options, logger *slog.Logger, m *metrics.Metrics) (*Server, error) {
	opts.defaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	wd, _ := os.Getwd()
	s := &Server{
		opts:    opts,
		logger:  logger,
		metrics: m,
		agg:     NewAggregate(opts.Template, opts.Aggregate, logger),
		engine:  merge.NewEngine(logger, m),
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
		workDir: wd,
		conns:   make(map[uint64]*trackedConn),
		done:    make(chan struct{}),
	}

	spill := opts.Spill == SpillOn || (opts.Spill == SpillAuto && opts.Template != nil)
	if spill {
		if err := s.setupSpill(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) setupSpill() error {
	store := s.opts.Spills
	if store == nil {
		dir := s.opts.SpillDir
		if dir == "" {
			dir = filepath.Join(filepath.Dir(s.opts.Output), "spill")
		}
		fs, err := storage.NewFileStore(dir)
		if err != nil {
			return err
		}
		store = fs
	}
	log, err := storage.NewSpillLog(store)
	if err != nil {
		return err
	}
	s.spills = log

	limit := s.opts.MemoryLimit
	if limit == 0 {
		if limit, err = TotalMemory(); err != nil {
			return err
		}
	}
	var tmplBytes uint64
	if s.opts.TemplatePath != "" {
		if info, err := os.Stat(s.opts.TemplatePath); err == nil {
			tmplBytes = uint64(info.Size())
		}
	}
	tier := SelectTier(tmplBytes, limit)
	s.monitor = NewMemoryMonitor(s.opts.MemoryCheckInterval, limit, tier, s.logger)
	if s.opts.MemoryUsage != nil {
		s.monitor.SetUsageFunction(s.opts.MemoryUsage)
	}
	s.monitor.SetOnPressure(func(used, limit uint64) { s.triggerDump() })
	s.logger.Info("spill enabled",
		"dir", log.Location(),
		"run", log.Run(),
		"template_size", humanize.IBytes(tmplBytes),
		"limit", humanize.IBytes(limit),
		"tier", tier.String())
	return nil
}

// Start binds the data port and serves in the background. Cancelling ctx
// starts a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return errors.Wrapf(err, "collector: listen on %s", s.opts.Listen)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.started.Store(true)

	s.logger.Info("collector listening",
		"addr", ln.Addr().String(),
		"workers", s.opts.Workers,
		"template", s.opts.TemplatePath,
		"output", s.opts.Output)

	if s.monitor != nil {
		go s.monitor.Start(ctx)
	}
	go s.acceptLoop(ctx, ln)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Kill(false, 0)
		case <-s.done:
		}
	}()
	return nil
}

// Addr is the bound data address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Done is closed once the server has shut down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}
		// counted in wg and active before it is visible in total, so a
		// graceful kill or a status poll that observed the connection also
		// sees it as in flight
		s.wg.Add(1)
		s.active.Add(1)
		n := s.total.Add(1)
		s.metrics.ConnOpened()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			s.active.Add(-1)
			s.metrics.ConnClosed()
			s.wg.Done()
			return
		}
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			_ = s.serveConn(conn)
		}()

		if s.opts.MaxConnections > 0 && n >= int64(s.opts.MaxConnections) {
			s.logger.Info("connection limit reached, shutting down", "limit", s.opts.MaxConnections)
			go s.Kill(false, 0)
			return
		}
	}
}

func (s *Server) track(id uint64, conn net.Conn, st ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == StateClosed {
		delete(s.conns, id)
	} else if tc, ok := s.conns[id]; ok {
		tc.state = st
	} else {
		s.conns[id] = &trackedConn{conn: conn, state: st}
	}
	s.logger.Debug("connection state", "conn", id, "state", st.String())
}

// serveConn reads one submission from conn and merges it. The caller has
// already counted conn as active; serveConn releases it.
func (s *Server) serveConn(conn net.Conn) error {
	id := s.nextID.Add(1)
	s.track(id, conn, StateConnected)
	defer func() {
		conn.Close()
		s.track(id, conn, StateClosed)
		s.active.Add(-1)
		s.metrics.ConnClosed()
	}()

	if s.opts.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	}
	logger := s.logger.With("conn", id, "remote", conn.RemoteAddr().String())
	dec := wire.NewDecoder(conn, logger)

	s.track(id, conn, StateReadingHeader)
	h, err := dec.Header()
	if err != nil {
		if errors.Is(err, wire.ErrEmpty) {
			logger.Debug("connection closed without data")
			return nil
		}
		logger.Warn("bad submission header", "err", err)
		s.track(id, conn, StateRejected)
		s.metrics.Submission(metrics.ResultFailed)
		return err
	}

	s.track(id, conn, StateReadingBody)
	sub, err := dec.Body(h)
	if err != nil {
		logger.Warn("bad submission body", "kind", h.Kind.String(), "err", err)
		s.track(id, conn, StateRejected)
		s.metrics.Submission(metrics.ResultFailed)
		return err
	}
	if sub.Test == "" {
		sub.Test = "test-" + uuid.NewString()
	}

	if err := s.Merge(sub); err != nil {
		s.track(id, conn, StateRejected)
		return err
	}
	s.track(id, conn, StateMerged)
	return nil
}

// Merge applies one decoded submission to the aggregate.
// A rejected submission leaves the aggregate unchanged; an incompatible tree
// is also written to BadDataDir when one is configured. With SaveAtReceive
// the result is rewritten afterwards, and a failure there is logged only.
func (s *Server) Merge(sub *wire.Submission) error {
	logger := s.logger.With("tester", sub.Tester, "test", sub.Test, "product", sub.Product, "kind", sub.Kind.String())
	if err := s.agg.Apply(sub); err != nil {
		logger.Warn("submission rejected", "err", err)
		s.metrics.Submission(metrics.ResultRejected)
		if errors.Is(err, ErrIncompatible) {
			s.saveBadData(sub)
		}
		return err
	}
	s.metrics.Submission(metrics.ResultMerged)
	logger.Debug("submission merged")

	if s.opts.SaveAtReceive {
		if err := s.Save(context.Background()); err != nil {
			logger.Error("save after receive failed", "err", err)
		}
	}
	return nil
}

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

func (s *Server) saveBadData(sub *wire.Submission) {
	if s.opts.BadDataDir == "" || sub.Tree == nil {
		return
	}
	name := fmt.Sprintf("%s_%s_%d.xml", sanitize(sub.Tester), sanitize(sub.Test), s.badSeq.Add(1))
	path := filepath.Join(s.opts.BadDataDir, name)
	if err := codec.WriteFile(path, sub.Tree); err != nil {
		s.logger.Error("cannot write rejected submission", "file", path, "err", err)
		return
	}
	s.logger.Info("rejected submission kept", "file", path)
}

// triggerDump starts an asynchronous dump unless one is running.
func (s *Server) triggerDump() {
	if !s.dumping.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.dumping.Store(false)
		if err := s.Dump(); err != nil {
			s.logger.Error("dump failed, collector continues", "err", err)
		}
	}()
}

// Dump spills the aggregate and resets its counters. It is a no-op when
// spilling is disabled or nothing changed since the last dump.
func (s *Server) Dump() (err error) {
	if s.spills == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("collector: dump panicked: %v", r)
		}
		if err != nil {
			s.metrics.Dump(metrics.ResultFailed)
		}
	}()

	start := time.Now()
	key, wrote, err := s.agg.Dump(s.spills)
	if err != nil {
		return errors.Wrap(err, "collector: dump")
	}
	if !wrote {
		s.metrics.Dump(metrics.ResultSkipped)
		return nil
	}
	s.metrics.Dump(metrics.ResultOK)
	runtime.GC()
	debug.FreeOSMemory()
	s.logger.Info("aggregate spilled", "spill", key, "took", time.Since(start), "heap_after", humanize.IBytes(heapInUse()))
	return nil
}

// Save writes the result to Output.
// When this run has spilled, the spills and the in-memory state are merged
// first; spills from other runs sharing the directory are ignored.
//
// Parameters:
//   - ctx: Cancels the spill merge
//
// Returns:
//   - error: Spill merge or write failure; the previous Output is kept
//
// Implementation:
//  1. Snapshot the aggregate and this run's spill keys under the gate
//  2. Merge spills and snapshot against a zero-count template
//  3. Write Output atomically and mark the snapshot's generation saved
func (s *Server) Save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	// the snapshot and the spill list must describe the same instant, or a
	// dump in between would count its data twice
	var root *model.Root
	var gen uint64
	var keys []string
	err := s.agg.View(func(live *model.Root, g uint64) error {
		if live != nil {
			root = live.Clone()
		}
		gen = g
		if s.spills == nil {
			return nil
		}
		keys = s.spills.Keys()
		return nil
	})
	if err != nil {
		s.metrics.Save(metrics.ResultFailed)
		return errors.Wrap(err, "collector: listing spills")
	}
	if len(keys) > 0 {
		merged, err := s.mergeSpills(ctx, keys, root)
		if err != nil {
			s.metrics.Save(metrics.ResultFailed)
			return err
		}
		root = merged
	}
	if root == nil {
		s.logger.Info("nothing to save")
		return nil
	}
	if err := codec.WriteFile(s.opts.Output, root); err != nil {
		s.metrics.Save(metrics.ResultFailed)
		return errors.Wrap(err, "collector: save")
	}
	s.agg.MarkSaved(gen)
	s.metrics.Save(metrics.ResultOK)
	s.logger.Info("result saved", "file", s.opts.Output, "tests", len(root.Tests))
	return nil
}

func (s *Server) mergeSpills(ctx context.Context, keys []string, mem *model.Root) (root *model.Root, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("collector: merging spills panicked: %v", r)
		}
		if err != nil {
			s.logger.Error("could not merge spill files; merge them manually with covmerge",
				"spill_dir", s.spills.Location(), "run", s.spills.Run(), "spills", keys, "err", err)
		}
	}()

	inputs := make([]merge.Input, 0, len(keys)+1)
	for _, k := range keys {
		k := k
		inputs = append(inputs, merge.Input{Name: k, Load: func(context.Context) (*model.Root, error) {
			return s.spills.Load(k)
		}})
	}
	if mem != nil && (len(mem.Tests) > 0 || mem.HasHits()) {
		inputs = append(inputs, merge.Input{Name: "in-memory", Load: func(context.Context) (*model.Root, error) {
			return mem, nil
		}})
	}
	if len(inputs) == 1 && s.opts.Template == nil {
		return inputs[0].Load(ctx)
	}

	// the in-memory state grew from a zeroed template, so the template's own
	// counts must not enter the final merge either
	var tmpl *model.Root
	if s.opts.Template != nil {
		tmpl = s.opts.Template.Clone()
		tmpl.ResetCounters()
	}
	res := s.engine.Run(ctx, merge.Batch{
		TemplateRoot: tmpl,
		Inputs:       inputs,
		Options: merge.Options{
			Looseness:    mergeLooseness(s.opts.Aggregate.Looseness),
			BreakOnError: merge.BreakNone,
			DedupeByName: s.opts.Aggregate.DedupeByName,
			Scales:       s.opts.Aggregate.Scales,
			Workers:      s.opts.Workers,
		},
	})
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Root, nil
}

// mergeLooseness keeps blocks mode for the final merge and otherwise only
// warns: every spill passed the checks when its submissions arrived.
func mergeLooseness(l merge.Looseness) merge.Looseness {
	if l == merge.LooseBlocks {
		return l
	}
	return merge.LooseWarnOnly
}

// Kill shuts the server down.
// A forced kill closes every connection and returns at once without saving.
// Otherwise the server stops accepting, waits up to timeout for in-flight
// connections and saves. Concurrent graceful kills share one shutdown.
//
// Parameters:
//   - force: Skip the wait and the save
//   - timeout: Wait for in-flight connections; non-positive means
//     Options.ShutdownTimeout
//
// Returns:
//   - error: The final save's error, also available from Err
//
// Example:
//
//	if err := srv.Kill(false, 0); err != nil {
//	    log.Printf("merge the spill files manually: %v", err)
//	}
func (s *Server) Kill(force bool, timeout time.Duration) error {
	s.stopping.Store(true)
	s.closeListener()

	if force {
		s.logger.Warn("forced shutdown, unsaved data is discarded")
		s.mu.Lock()
		for _, tc := range s.conns {
			tc.conn.Close()
		}
		s.mu.Unlock()
		s.finish()
		return nil
	}

	s.gracefulOnce.Do(func() {
		err := s.graceful(timeout)
		s.mu.Lock()
		s.killErr = err
		s.mu.Unlock()
		s.finish()
	})
	return s.Err()
}

// Err is the result of the graceful shutdown, or nil while none has ended.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killErr
}

func (s *Server) graceful(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.opts.ShutdownTimeout
	}
	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(timeout):
		s.logger.Warn("connections still active after shutdown timeout", "active", s.active.Load(), "timeout", timeout)
	case <-s.done:
		return nil
	}
	if s.monitor != nil {
		s.monitor.Stop()
	}

	if !s.agg.Unsaved() && (s.spills == nil || s.spills.Len() == 0) {
		s.logger.Info("collector stopped, nothing unsaved")
		return nil
	}
	if err := s.Save(context.Background()); err != nil {
		s.logger.Error("final save failed", "err", err)
		return err
	}
	s.logger.Info("collector stopped")
	return nil
}

func (s *Server) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Status implements control.Target.
func (s *Server) Status() control.Status {
	return control.Status{
		Running:  s.started.Load() && !s.stopping.Load(),
		Total:    s.total.Load(),
		Active:   s.active.Load(),
		Unsaved:  s.agg.Unsaved(),
		Command:  s.opts.RunCommand,
		WorkDir:  s.workDir,
		Template: s.opts.TemplatePath,
		Output:   s.opts.Output,
	}
}

// Ready implements control.Target.
func (s *Server) Ready() control.ReadyInfo {
	ri := control.ReadyInfo{Started: s.started.Load() && !s.stopping.Load(), Template: s.opts.TemplatePath}
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		ri.Host = tcp.IP.String()
		ri.Port = tcp.Port
	}
	return ri
}

// RunOnce connects to a producer at addr, merges the single submission it
// sends and saves. The server is finished afterwards.
func (s *Server) RunOnce(ctx context.Context, addr string) error {
	defer s.finish()
	if s.stopping.Load() {
		return ErrStopped
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "collector: connect to producer %s", addr)
	}
	s.started.Store(true)
	s.active.Add(1)
	s.total.Add(1)
	s.metrics.ConnOpened()
	s.logger.Info("reading one submission", "producer", addr)

	mergeErr := s.serveConn(conn)
	s.stopping.Store(true)
	if mergeErr != nil {
		return mergeErr
	}
	return s.Save(ctx)
}
