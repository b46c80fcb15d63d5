package metrics

// PipelineMetrics observes the backup pipeline stages plus the upload
// retry path. A nil PipelineMetrics disables collection: every call site
// guards with "if m != nil", and pkg/metrics/prometheus.NewPipelineMetrics
// itself returns nil when the registry was never initialized, so disabled
// metrics cost nothing.
type PipelineMetrics interface {
	// FileScanned records one path handed from the scanner to the
	// snapshot stage.
	FileScanned()
	// SnapshotRecorded records one snapshot written to the catalog.
	SnapshotRecorded()
	// SnapshotSkipped records one path for which the snapshot stage found
	// no updates necessary.
	SnapshotSkipped()
	// BundleFinalized records one finalized bundle's size in bytes and
	// number of distinct blocks.
	BundleFinalized(bytes int64, blocks int)
	// BundleUploaded records one bundle confirmed by the archive service.
	BundleUploaded()
	// UploadRetry records one upload-stage reopen-and-retry cycle; the
	// attempt number lets an operator see runaway retries, since the
	// retry loop itself is unbounded.
	UploadRetry(attempt int)
	// QueueDepth records a pipeline pool's current pending-input weight,
	// keyed by stage name ("snapshot", "bundle", "upload").
	QueueDepth(stage string, depth int)
}
