// Package metrics exposes Prometheus instrumentation for collection runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "cvdwatcher"

// Metrics holds every collector. A nil *Metrics is a valid no-op recorder.
type Metrics struct {
	RunsTotal         *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	SymbolsProcessed  *prometheus.CounterVec
	SnapshotsWritten  prometheus.Counter
	BucketsSkipped    prometheus.Counter
	SeriesDegraded    *prometheus.CounterVec
	AlertsEmitted     *prometheus.CounterVec
	AlertsSuppressed  *prometheus.CounterVec
	AnomaliesRejected prometheus.Counter
	WhaleSignals      *prometheus.CounterVec
	UpstreamRetries   *prometheus.CounterVec
	AlertsDispatched  *prometheus.CounterVec
	LastSuccessfulRun prometheus.Gauge
}

// New registers collectors on reg. A nil reg uses a fresh private registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "runs_total",
			Help:      "Collection runs by outcome",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one collection run",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}),
		SymbolsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "symbols_processed_total",
			Help:      "Per-symbol pipeline outcomes",
		}, []string{"status"}),
		SnapshotsWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "snapshots_written_total",
			Help:      "Snapshot rows upserted",
		}),
		BucketsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "buckets_skipped_total",
			Help:      "Buckets skipped because no price could be resolved",
		}),
		SeriesDegraded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "series_degraded_total",
			Help:      "Upstream series that failed and fell back to carried values",
		}, []string{"series"}),
		AlertsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "alerts_emitted_total",
			Help:      "Alerts persisted by category",
		}, []string{"category"}),
		AlertsSuppressed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "alerts_suppressed_total",
			Help:      "Alerts blocked by the cooldown gate",
		}, []string{"category"}),
		AnomaliesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "anomalies_rejected_total",
			Help:      "Windows discarded by the sanity guard",
		}),
		WhaleSignals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "whale",
			Name:      "signals_total",
			Help:      "Whale signals by type",
		}, []string{"type"}),
		UpstreamRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Upstream request retries by reason",
		}, []string{"reason"}),
		AlertsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "alerts_total",
			Help:      "Alert notifications by delivery outcome",
		}, []string{"status"}),
		LastSuccessfulRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_run_timestamp",
			Help:      "Unix timestamp of the last run without symbol failures",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordRun records one finished run.
func (m *Metrics) RecordRun(succeeded, failed int, elapsed time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	status := "ok"
	if failed > 0 {
		status = "partial"
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
	m.SymbolsProcessed.WithLabelValues("ok").Add(float64(succeeded))
	m.SymbolsProcessed.WithLabelValues("failed").Add(float64(failed))
	if failed == 0 {
		m.LastSuccessfulRun.Set(float64(finished.Unix()))
	}
}

// RecordSync records the aggregator's work for one symbol.
func (m *Metrics) RecordSync(written, skipped int, degraded []string) {
	if m == nil {
		return
	}
	m.SnapshotsWritten.Add(float64(written))
	m.BucketsSkipped.Add(float64(skipped))
	for _, series := range degraded {
		m.SeriesDegraded.WithLabelValues(series).Inc()
	}
}

// RecordClassification records the classifier outcome for one symbol.
func (m *Metrics) RecordClassification(category string, emitted, suppressed, anomaly bool) {
	if m == nil {
		return
	}
	switch {
	case anomaly:
		m.AnomaliesRejected.Inc()
	case emitted:
		m.AlertsEmitted.WithLabelValues(category).Inc()
	case suppressed:
		m.AlertsSuppressed.WithLabelValues(category).Inc()
	}
}

// RecordWhale counts a non-empty whale signal.
func (m *Metrics) RecordWhale(signalType string) {
	if m == nil {
		return
	}
	m.WhaleSignals.WithLabelValues(signalType).Inc()
}

// RecordRetry counts an upstream retry.
func (m *Metrics) RecordRetry(reason string) {
	if m == nil {
		return
	}
	m.UpstreamRetries.WithLabelValues(reason).Inc()
}

// RecordDispatch counts one delivery attempt.
func (m *Metrics) RecordDispatch(ok bool) {
	if m == nil {
		return
	}
	status := "sent"
	if !ok {
		status = "failed"
	}
	m.AlertsDispatched.WithLabelValues(status).Inc()
}
