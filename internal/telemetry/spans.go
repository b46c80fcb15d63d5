package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for backup-pipeline spans, covering the pipeline stages
// and the archive-service transport.
const (
	AttrStage      = "pipeline.stage" // snapshot, bundle, upload
	AttrPath       = "fs.path"
	AttrSnapshotID = "backup.snapshot_id"
	AttrBundleID   = "backup.bundle_id"
	AttrBlockCount = "backup.block_count"
	AttrByteCount  = "backup.byte_count"
	AttrVault      = "glacier.vault"
	AttrArchiveID  = "glacier.archive_id"
	AttrAttempt    = "backup.attempt"
)

func Path(path string) attribute.KeyValue    { return attribute.String(AttrPath, path) }
func SnapshotID(id int64) attribute.KeyValue { return attribute.Int64(AttrSnapshotID, id) }
func BundleID(id int64) attribute.KeyValue   { return attribute.Int64(AttrBundleID, id) }
func BlockCount(n int) attribute.KeyValue    { return attribute.Int(AttrBlockCount, n) }
func ByteCount(n int64) attribute.KeyValue   { return attribute.Int64(AttrByteCount, n) }
func Vault(name string) attribute.KeyValue   { return attribute.String(AttrVault, name) }
func ArchiveID(id string) attribute.KeyValue { return attribute.String(AttrArchiveID, id) }
func Attempt(n int) attribute.KeyValue       { return attribute.Int(AttrAttempt, n) }

// StartStageSpan starts a span for one pipeline stage processing one
// input.
func StartStageSpan(ctx context.Context, stage, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{attribute.String(AttrStage, stage)}, attrs...)
	return StartSpan(ctx, stage+"."+operation, trace.WithAttributes(allAttrs...))
}

// StartGlacierSpan starts a span for an archive-service transport
// operation (vault probe/create, archive upload).
func StartGlacierSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "glacier."+operation, trace.WithAttributes(attrs...))
}
