// Package metrics carries a small set of ambient Prometheus counters for a
// content build: files built, files skipped, and worker restarts, plus a
// pending-files gauge. Grounded on please's own src/metrics/prometheus.go,
// narrowed down from a pushgateway-reporting singleton to a per-build
// instance with its own registry, since a pushgateway implies the network
// transport this build deliberately has none of.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("metrics")

// Metrics bundles the counters and gauge for one build. A nil *Metrics is
// valid: every method no-ops on a nil receiver, so wiring it into the
// Compiler Cache or the Builder stays optional rather than requiring a
// nil check at every call site, the same convenience please's own
// package-level Record/Stop nil checks give callers.
type Metrics struct {
	registry *prometheus.Registry

	filesBuilt     prometheus.Counter
	filesSkipped   prometheus.Counter
	workerRestarts prometheus.Counter
	pendingFiles   prometheus.Gauge
}

// New constructs a Metrics with its own Prometheus registry. Registration
// failure for any collector is logged and otherwise ignored: metrics must
// never be able to abort a build, mirroring please's own defensive
// registration in src/metrics/prometheus.go.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		filesBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contentjs_files_built_total",
			Help: "Count of source files successfully compiled.",
		}),
		filesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contentjs_files_skipped_total",
			Help: "Count of source files skipped: already up to date, platform mismatch, or no compiler registered.",
		}),
		workerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contentjs_worker_restarts_total",
			Help: "Count of compiler worker respawns following a crash.",
		}),
		pendingFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "contentjs_pending_files",
			Help: "Number of files submitted to the Compiler Cache awaiting a build result.",
		}),
	}
	for _, c := range []prometheus.Collector{m.filesBuilt, m.filesSkipped, m.workerRestarts, m.pendingFiles} {
		if err := m.registry.Register(c); err != nil {
			log.Warning("failed to register collector: %s", err)
		}
	}
	return m
}

// Registry exposes the underlying registry, e.g. for a caller that wants
// to serve /metrics; nil only for a nil *Metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// FileBuilt increments the built-files counter.
func (m *Metrics) FileBuilt() {
	if m == nil {
		return
	}
	m.filesBuilt.Inc()
}

// FileSkipped increments the skipped-files counter.
func (m *Metrics) FileSkipped() {
	if m == nil {
		return
	}
	m.filesSkipped.Inc()
}

// WorkerRestarted increments the worker-restart counter.
func (m *Metrics) WorkerRestarted() {
	if m == nil {
		return
	}
	m.workerRestarts.Inc()
}

// PendingFilesInc increments the in-flight-files gauge.
func (m *Metrics) PendingFilesInc() {
	if m == nil {
		return
	}
	m.pendingFiles.Inc()
}

// PendingFilesDec decrements the in-flight-files gauge.
func (m *Metrics) PendingFilesDec() {
	if m == nil {
		return
	}
	m.pendingFiles.Dec()
}
