// Package prometheus implements pkg/metrics's collector interfaces on top
// of github.com/prometheus/client_golang.
package prometheus

import (
	"github.com/polarexpress/polarexpress/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// pipelineMetrics is the Prometheus-backed metrics.PipelineMetrics.
type pipelineMetrics struct {
	filesScanned      prometheus.Counter
	snapshotsRecorded prometheus.Counter
	snapshotsSkipped  prometheus.Counter
	bundlesFinalized  prometheus.Counter
	bundleBytes       prometheus.Histogram
	bundleBlocks      prometheus.Histogram
	bundlesUploaded   prometheus.Counter
	uploadRetries     prometheus.Counter
	queueDepth        *prometheus.GaugeVec
}

// NewPipelineMetrics creates a Prometheus-backed metrics.PipelineMetrics.
// Returns a nil interface value if metrics.IsEnabled() is false
// (metrics.InitRegistry has not been called), so callers can thread the
// result through unconditionally.
func NewPipelineMetrics() metrics.PipelineMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &pipelineMetrics{
		filesScanned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "polarexpress_files_scanned_total",
			Help: "Total number of file paths handed from the scanner to the snapshot stage.",
		}),
		snapshotsRecorded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "polarexpress_snapshots_recorded_total",
			Help: "Total number of snapshots written to the metadata catalog.",
		}),
		snapshotsSkipped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "polarexpress_snapshots_skipped_total",
			Help: "Total number of paths for which no snapshot update was necessary.",
		}),
		bundlesFinalized: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "polarexpress_bundles_finalized_total",
			Help: "Total number of bundles finalized and spooled to disk.",
		}),
		bundleBytes: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "polarexpress_bundle_bytes",
			Help:    "Size in bytes of finalized bundle files.",
			Buckets: prometheus.ExponentialBuckets(1<<16, 4, 10),
		}),
		bundleBlocks: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "polarexpress_bundle_blocks",
			Help:    "Number of distinct blocks bound into a finalized bundle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		bundlesUploaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "polarexpress_bundles_uploaded_total",
			Help: "Total number of bundles confirmed by the archive service.",
		}),
		uploadRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "polarexpress_upload_retries_total",
			Help: "Total number of upload-stage reopen-and-retry cycles.",
		}),
		queueDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "polarexpress_stage_queue_depth",
			Help: "Current pending-input weight of a pipeline stage's pool.",
		}, []string{"stage"}),
	}
}

func (m *pipelineMetrics) FileScanned()      { m.filesScanned.Inc() }
func (m *pipelineMetrics) SnapshotRecorded() { m.snapshotsRecorded.Inc() }
func (m *pipelineMetrics) SnapshotSkipped()  { m.snapshotsSkipped.Inc() }

func (m *pipelineMetrics) BundleFinalized(bytes int64, blocks int) {
	m.bundlesFinalized.Inc()
	m.bundleBytes.Observe(float64(bytes))
	m.bundleBlocks.Observe(float64(blocks))
}

func (m *pipelineMetrics) BundleUploaded() { m.bundlesUploaded.Inc() }

func (m *pipelineMetrics) UploadRetry(attempt int) { m.uploadRetries.Inc() }

func (m *pipelineMetrics) QueueDepth(stage string, depth int) {
	m.queueDepth.WithLabelValues(stage).Set(float64(depth))
}
