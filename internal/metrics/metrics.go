// Package metrics holds the Prometheus collectors exported by the collector
// and merge tools. Every method is safe on a nil *Metrics so components can
// run without instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "covgrid"

// Result labels.
const (
	ResultMerged   = "merged"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
	ResultSkipped  = "skipped"
	ResultOK       = "ok"
)

// Metrics is the set of collectors for one process.
// Thread-safe: the underlying Prometheus collectors are safe for concurrent use.
type Metrics struct {
	connectionsTotal  prometheus.Counter     // Producer connections accepted
	connectionsActive prometheus.Gauge       // Connections between accept and close
	submissions       *prometheus.CounterVec // Submissions by merged/rejected/failed
	dumps             *prometheus.CounterVec // Dumps by ok/skipped/failed
	saves             *prometheus.CounterVec // Saves by ok/failed
	mergeFiles        *prometheus.CounterVec // Batch inputs by merged/skipped/failed
	spilled           prometheus.Gauge       // Spill files written so far
}

// New creates the collectors and registers them with reg.
//
// Parameters:
//   - reg: Registry to register with; nil leaves the collectors unregistered
//
// Returns:
//   - *Metrics: Ready to record
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Producer connections accepted.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Producer connections currently being processed.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submissions by outcome.",
		}, []string{"result"}),
		dumps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dumps_total",
			Help:      "Spill dumps by outcome.",
		}, []string{"result"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Result saves by outcome.",
		}, []string{"result"}),
		mergeFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_files_total",
			Help:      "Batch merge input files by outcome.",
		}, []string{"result"}),
		spilled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "spill_files",
			Help:      "Spill files written by this process.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connectionsTotal, m.connectionsActive, m.submissions,
			m.dumps, m.saves, m.mergeFiles, m.spilled)
	}
	return m
}

// ConnOpened records an accepted connection.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

// ConnClosed records the end of a connection.
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

// Submission counts one decoded submission under result, one of
// ResultMerged, ResultRejected or ResultFailed.
func (m *Metrics) Submission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

// Dump counts one dump attempt. A ResultOK dump also bumps the spill file
// gauge.
func (m *Metrics) Dump(result string) {
	if m == nil {
		return
	}
	m.dumps.WithLabelValues(result).Inc()
	if result == ResultOK {
		m.spilled.Inc()
	}
}

// Save counts one result save.
func (m *Metrics) Save(result string) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(result).Inc()
}

// MergeFile counts one batch input after the error policy decided its fate.
func (m *Metrics) MergeFile(result string) {
	if m == nil {
		return
	}
	m.mergeFiles.WithLabelValues(result).Inc()
}
