package collector

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/elastic/gosigar"
)

// MemoryTier is the pressure class chosen at startup from how large the
// template is relative to the memory limit. A larger template leaves less
// room for the merge that follows a dump, so it spills earlier.
type MemoryTier int

const (
	TierNormal  MemoryTier = iota // Template at most 5% of the limit; dump at 45%
	TierLow                       // Template above 5%; dump at 35%
	TierVeryLow                   // Template above 10%; dump at 25%
)

func (t MemoryTier) String() string {
	switch t {
	case TierVeryLow:
		return "very-low"
	case TierLow:
		return "low"
	default:
		return "normal"
	}
}

// Percent is the share of the limit at which a dump is triggered.
func (t MemoryTier) Percent() uint64 {
	switch t {
	case TierVeryLow:
		return 25
	case TierLow:
		return 35
	default:
		return 45
	}
}

// SelectTier classifies templateBytes against limit.
func SelectTier(templateBytes, limit uint64) MemoryTier {
	if limit == 0 {
		return TierNormal
	}
	ratio := float64(templateBytes) / float64(limit)
	switch {
	case ratio > 0.10:
		return TierVeryLow
	case ratio > 0.05:
		return TierLow
	default:
		return TierNormal
	}
}

// TotalMemory returns the physical memory of the host.
func TotalMemory() (uint64, error) {
	mem := gosigar.Mem{}
	if err := mem.Get(); err != nil {
		return 0, errors.Wrap(err, "collector: reading total memory")
	}
	if mem.Total == 0 {
		return 0, errors.New("collector: total memory reported as zero")
	}
	return mem.Total, nil
}

// heapInUse is the default usage source.
func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// MemoryMonitor polls memory usage and calls its pressure callback whenever
// usage is at or above the tier threshold. The callback is expected to start
// a dump; repeated calls while one runs must be tolerated by the callee.
type MemoryMonitor struct {
	usageFunc  func() uint64
	onPressure func(used, limit uint64)
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	interval   time.Duration
	limit      uint64
	tier       MemoryTier
	mu         sync.Mutex
	wg         sync.WaitGroup
	lastUsed   uint64
	pressured  bool
}

// NewMemoryMonitor creates a monitor for the given limit and tier. A nil
// logger discards.
func NewMemoryMonitor(interval time.Duration, limit uint64, tier MemoryTier, logger *slog.Logger) *MemoryMonitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryMonitor{
		usageFunc: heapInUse,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		interval:  interval,
		limit:     limit,
		tier:      tier,
	}
}

// SetUsageFunction replaces the usage source. Tests use it to simulate load.
func (m *MemoryMonitor) SetUsageFunction(fn func() uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageFunc = fn
}

// SetOnPressure sets the callback fired when usage crosses the threshold.
func (m *MemoryMonitor) SetOnPressure(fn func(used, limit uint64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPressure = fn
}

// Threshold is the usage in bytes that triggers a dump.
func (m *MemoryMonitor) Threshold() uint64 {
	p := m.tier.Percent()
	return m.limit/100*p + m.limit%100*p/100
}

// Tier returns the configured tier.
func (m *MemoryMonitor) Tier() MemoryTier {
	return m.tier
}

// Start runs the polling loop until ctx or Stop cancels it. It blocks; run
// it in its own goroutine.
func (m *MemoryMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	if ctx == nil {
		ctx = m.ctx
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("memory monitor started",
		"interval", m.interval,
		"limit", humanize.IBytes(m.limit),
		"tier", m.tier.String(),
		"threshold", humanize.IBytes(m.Threshold()))

	for {
		select {
		case <-ticker.C:
			m.Check()
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (m *MemoryMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Check samples usage once and fires the callback when over the threshold.
// It reports whether the threshold was crossed.
func (m *MemoryMonitor) Check() bool {
	m.mu.Lock()
	usage, cb := m.usageFunc, m.onPressure
	m.mu.Unlock()

	used := usage()
	over := m.limit > 0 && used >= m.Threshold()

	m.mu.Lock()
	m.lastUsed = used
	was := m.pressured
	m.pressured = over
	m.mu.Unlock()

	if over {
		if !was {
			m.logger.Warn("memory threshold crossed",
				"used", humanize.IBytes(used),
				"threshold", humanize.IBytes(m.Threshold()),
				"tier", m.tier.String())
		}
		if cb != nil {
			cb(used, m.limit)
		}
	} else if was {
		m.logger.Info("memory back under threshold", "used", humanize.IBytes(used))
	}
	return over
}

// LastUsed is the most recent sample.
func (m *MemoryMonitor) LastUsed() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUsed
}
