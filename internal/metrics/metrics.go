// ============================================================================
// Stream Processor Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose system metrics for Prometheus monitoring
//
// Monitoring Philosophy:
//   Based on RED (Rate, Errors, Duration) and USE (Utilization, Saturation, Errors)
//   Provides comprehensive observability into the controller's four-phase
//   lifecycle and snapshot scheduling.
//
// Metric Categories:
//
//   1. Lifecycle Counters - Cumulative, monotonically increasing:
//      - streamproc_events_processed_total: Records that completed all four phases
//      - streamproc_events_reprocessed_total: Records replayed during REPROCESSING
//      - streamproc_events_skipped_total: Records rejected by filter or handler
//      - streamproc_side_effect_retries_total: Phase-2 transient failures
//      - streamproc_write_retries_total: Phase-3 transient failures
//      - streamproc_failures_total: Transitions into FAILED
//
//   2. Snapshot Metrics:
//      - streamproc_snapshot_duration_seconds: Histogram of snapshot write time
//      - streamproc_snapshots_skipped_total{reason=...}: Counter by skip reason
//
// Use Cases:
//
//   Alerting:
//   - streamproc_failures_total rate increase → a controller is crash-looping
//   - streamproc_snapshots_skipped_total{reason="not_running"} sustained → stuck phase
//   - streamproc_snapshot_duration_seconds p99 growth → state resource bloat
//
//   Troubleshooting:
//   - streamproc_side_effect_retries_total spike → downstream collaborator degraded
//   - streamproc_write_retries_total spike → log storage degraded
//
// Prometheus Query Examples:
//
//   # Processing throughput
//   rate(streamproc_events_processed_total[1m])
//
//   # 95th percentile snapshot duration
//   histogram_quantile(0.95, streamproc_snapshot_duration_seconds_bucket)
//
//   # Failure rate
//   rate(streamproc_failures_total[5m])
//
// HTTP Endpoint:
//   Exposed via /metrics endpoint, scraped by Prometheus
//   Default port: 9090
//   Format: OpenMetrics / Prometheus text format
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives lifecycle events from a single controller. Per spec.md §5,
// a controller never shares its metrics with another goroutine, so a Sink
// only ever needs to be safe for the one controller goroutine that owns it
// plus the Prometheus scrape goroutine reading the underlying collectors.
type Sink interface {
	RecordEventProcessed()
	RecordReprocessed()
	RecordSkipped()
	RecordSideEffectRetry()
	RecordWriteRetry()
	RecordSnapshotTaken(duration time.Duration)
	RecordSnapshotSkipped(reason string)
	RecordFailed()
}

// Collector is the Prometheus-backed Sink implementation.
type Collector struct {
	eventsProcessed   prometheus.Counter
	eventsReprocessed prometheus.Counter
	eventsSkipped     prometheus.Counter
	sideEffectRetries prometheus.Counter
	writeRetries      prometheus.Counter
	failures          prometheus.Counter

	snapshotDuration prometheus.Histogram
	snapshotsSkipped *prometheus.CounterVec
}

// NewCollector creates a new metrics collector and registers its metrics
// against the default Prometheus registerer.
func NewCollector() *Collector {
	c := &Collector{
		eventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamproc_events_processed_total",
			Help: "Total number of records that completed all four handling phases",
		}),
		eventsReprocessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamproc_events_reprocessed_total",
			Help: "Total number of records replayed during reprocessing",
		}),
		eventsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamproc_events_skipped_total",
			Help: "Total number of records skipped by the event filter or handler",
		}),
		sideEffectRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamproc_side_effect_retries_total",
			Help: "Total number of transient side-effect failures",
		}),
		writeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamproc_write_retries_total",
			Help: "Total number of transient write failures",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamproc_failures_total",
			Help: "Total number of transitions into the FAILED phase",
		}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamproc_snapshot_duration_seconds",
			Help:    "Time taken to serialize and commit a snapshot",
			Buckets: prometheus.DefBuckets,
		}),
		snapshotsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamproc_snapshots_skipped_total",
			Help: "Total number of snapshot ticks that did nothing, by reason",
		}, []string{"reason"}),
	}

	prometheus.MustRegister(
		c.eventsProcessed,
		c.eventsReprocessed,
		c.eventsSkipped,
		c.sideEffectRetries,
		c.writeRetries,
		c.failures,
		c.snapshotDuration,
		c.snapshotsSkipped,
	)

	return c
}

// RecordEventProcessed records a record that completed all four phases.
func (c *Collector) RecordEventProcessed() {
	c.eventsProcessed.Inc()
}

// RecordReprocessed records a record replayed during REPROCESSING.
func (c *Collector) RecordReprocessed() {
	c.eventsReprocessed.Inc()
}

// RecordSkipped records a record rejected by the event filter or handler.
func (c *Collector) RecordSkipped() {
	c.eventsSkipped.Inc()
}

// RecordSideEffectRetry records a phase-2 transient failure.
func (c *Collector) RecordSideEffectRetry() {
	c.sideEffectRetries.Inc()
}

// RecordWriteRetry records a phase-3 transient failure.
func (c *Collector) RecordWriteRetry() {
	c.writeRetries.Inc()
}

// RecordFailed records a transition into the FAILED phase.
func (c *Collector) RecordFailed() {
	c.failures.Inc()
}

// RecordSnapshotTaken records the duration of a successful snapshot write.
func (c *Collector) RecordSnapshotTaken(duration time.Duration) {
	c.snapshotDuration.Observe(duration.Seconds())
}

// RecordSnapshotSkipped records a snapshot tick that did nothing, labeled
// by why: "not_running", "no_record", "below_last_snapshot", or
// "uncommitted".
func (c *Collector) RecordSnapshotSkipped(reason string) {
	c.snapshotsSkipped.WithLabelValues(reason).Inc()
}

// NoopSink discards every call. It's the zero-value-friendly Sink a
// controller falls back to when no metrics backend is configured.
type NoopSink struct{}

func (NoopSink) RecordEventProcessed()                     {}
func (NoopSink) RecordReprocessed()                        {}
func (NoopSink) RecordSkipped()                            {}
func (NoopSink) RecordSideEffectRetry()                    {}
func (NoopSink) RecordWriteRetry()                         {}
func (NoopSink) RecordSnapshotTaken(duration time.Duration) {}
func (NoopSink) RecordSnapshotSkipped(reason string)        {}
func (NoopSink) RecordFailed()                             {}

// StartServer starts the Prometheus metrics HTTP server.
//
// Parameters:
//   - port: HTTP server port
//
// Returns:
//   - error: Error on startup failure
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
