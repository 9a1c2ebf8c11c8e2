// Package metrics holds the Prometheus collectors for a download.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one download.
type Metrics struct {
	registry *prometheus.Registry

	// Segment metrics
	SegmentsDownloaded prometheus.Counter
	SegmentFailures    prometheus.Counter
	SegmentBytes       prometheus.Counter
	SegmentsInFlight   prometheus.Gauge
	FetchDuration      prometheus.Histogram

	// Scheduler metrics
	RetryRounds prometheus.Counter

	// Merge metrics
	MergeDuration prometheus.Histogram
}

// New creates the metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SegmentsDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "hlsfetch_segments_downloaded_total",
			Help: "Segments written to disk",
		}),
		SegmentFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "hlsfetch_segment_failures_total",
			Help: "Segment fetch operations that reported a transient failure",
		}),
		SegmentBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "hlsfetch_segment_bytes_total",
			Help: "Bytes written for downloaded segments",
		}),
		SegmentsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hlsfetch_segments_in_flight",
			Help: "Segment fetch operations currently running",
		}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hlsfetch_segment_fetch_seconds",
			Help:    "Time to fetch and store one segment",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		RetryRounds: factory.NewCounter(prometheus.CounterOpts{
			Name: "hlsfetch_retry_rounds_total",
			Help: "Batch failure retry rounds started",
		}),
		MergeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hlsfetch_merge_seconds",
			Help:    "Time spent in the merge step",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
