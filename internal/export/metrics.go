package export

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "vitalexport"
	metricsSubsystem = "engine"
)

// Metrics wraps the Prometheus instruments for the export engine. All record
// methods are nil-safe so the engine can run without a collector wired.
type Metrics struct {
	runsTotal        *prometheus.CounterVec
	runDuration      prometheus.Histogram
	recordsExported  *prometheus.CounterVec
	deletionsTotal   prometheus.Counter
	readerFailures   *prometheus.CounterVec
	cursorFallbacks  prometheus.Counter
	deliveryFailures prometheus.Counter
	droppedTriggers  prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "runs_total",
			Help:      "Export invocations by mode and outcome.",
		}, []string{"mode", "outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of one export invocation.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
		recordsExported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "records_exported_total",
			Help:      "Normalized records written to export documents, by type.",
		}, []string{"record_type"}),
		deletionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "deletions_exported_total",
			Help:      "Deletion entries written to differential documents.",
		}),
		readerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "reader_failures_total",
			Help:      "Per-type read failures replaced with empty results.",
		}, []string{"record_type"}),
		cursorFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "cursor_fallbacks_total",
			Help:      "Expired cursors recovered by falling back to a full export.",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "delivery_failures_total",
			Help:      "Sink deliveries that failed and held back the cursor.",
		}),
		droppedTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dropped_triggers_total",
			Help:      "Scheduled fires dropped because a run was in flight.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(
			m.runsTotal,
			m.runDuration,
			m.recordsExported,
			m.deletionsTotal,
			m.readerFailures,
			m.cursorFallbacks,
			m.deliveryFailures,
			m.droppedTriggers,
		)
	}
	return m
}

func (m *Metrics) ObserveRun(mode, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(mode, outcome).Inc()
	m.runDuration.Observe(duration.Seconds())
}

func (m *Metrics) AddRecords(rt RecordType, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsExported.WithLabelValues(string(rt)).Add(float64(n))
}

func (m *Metrics) AddDeletions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deletionsTotal.Add(float64(n))
}

func (m *Metrics) RecordReaderFailure(rt RecordType) {
	if m == nil {
		return
	}
	m.readerFailures.WithLabelValues(string(rt)).Inc()
}

func (m *Metrics) RecordCursorFallback() {
	if m == nil {
		return
	}
	m.cursorFallbacks.Inc()
}

func (m *Metrics) RecordDeliveryFailure() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) RecordDroppedTrigger() {
	if m == nil {
		return
	}
	m.droppedTriggers.Inc()
}
