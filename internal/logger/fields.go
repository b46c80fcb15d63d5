package logger

import (
	"log/slog"
)

// Standard field keys for structured logging across the backup pipeline.
// Use these keys consistently across all log statements so lines from the
// scanner, snapshot, bundle, and upload stages can be correlated and queried.
const (
	// ========================================================================
	// Run & Stage
	// ========================================================================
	KeyRunID = "run_id" // identifies a single backup run
	KeyStage = "stage"  // pipeline stage: scan, snapshot, bundle, upload

	// ========================================================================
	// File System Operations
	// ========================================================================
	KeyPath   = "path"   // file path relative to the backup root
	KeySize   = "size"   // file size in bytes
	KeyMode   = "mode"   // file mode/permissions
	KeyOffset = "offset" // chunk offset within a file

	// ========================================================================
	// Catalog Entities
	// ========================================================================
	KeyFileID       = "file_id"
	KeySnapshotID   = "snapshot_id"
	KeyBlockID      = "block_id"
	KeyChunkCount   = "chunk_count"
	KeySHA1         = "sha1"
	KeySHA256Linear = "sha256_linear"
	KeySHA256Tree   = "sha256_tree"

	// ========================================================================
	// Bundle / Compression / Encryption
	// ========================================================================
	KeyBundleID     = "bundle_id"
	KeyBundleBytes  = "bundle_bytes"
	KeyPayloadCount = "payload_count"
	KeySpoolPath    = "spool_path"
	KeyCompression  = "compression"

	// ========================================================================
	// Archive Service
	// ========================================================================
	KeyVault     = "vault"
	KeyArchiveID = "archive_id"
	KeyRegion    = "region"
	KeyAttempt   = "attempt"

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
)

// ----------------------------------------------------------------------------
// Field constructors for type safety
// ----------------------------------------------------------------------------

// RunID returns a slog.Attr identifying the backup run
func RunID(id string) slog.Attr {
	return slog.String(KeyRunID, id)
}

// Stage returns a slog.Attr naming the pipeline stage
func Stage(name string) slog.Attr {
	return slog.String(KeyStage, name)
}

// Path returns a slog.Attr for a backup-relative file path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Size returns a slog.Attr for a byte size
func Size(s int64) slog.Attr {
	return slog.Int64(KeySize, s)
}

// Mode returns a slog.Attr for a file mode
func Mode(m uint32) slog.Attr {
	return slog.Any(KeyMode, m)
}

// Offset returns a slog.Attr for a chunk offset
func Offset(off int64) slog.Attr {
	return slog.Int64(KeyOffset, off)
}

// FileID returns a slog.Attr for a catalog file id
func FileID(id int64) slog.Attr {
	return slog.Int64(KeyFileID, id)
}

// SnapshotID returns a slog.Attr for a snapshot id
func SnapshotID(id int64) slog.Attr {
	return slog.Int64(KeySnapshotID, id)
}

// BlockID returns a slog.Attr for a block id
func BlockID(id int64) slog.Attr {
	return slog.Int64(KeyBlockID, id)
}

// ChunkCount returns a slog.Attr for a chunk count
func ChunkCount(n int) slog.Attr {
	return slog.Int(KeyChunkCount, n)
}

// SHA1Hex returns a slog.Attr for a hex-encoded SHA-1 digest
func SHA1Hex(digest string) slog.Attr {
	return slog.String(KeySHA1, digest)
}

// BundleID returns a slog.Attr for a local bundle id
func BundleID(id int64) slog.Attr {
	return slog.Int64(KeyBundleID, id)
}

// BundleBytes returns a slog.Attr for a finalized bundle's byte size
func BundleBytes(n int) slog.Attr {
	return slog.Int(KeyBundleBytes, n)
}

// PayloadCount returns a slog.Attr for the number of payloads in a bundle
func PayloadCount(n int) slog.Attr {
	return slog.Int(KeyPayloadCount, n)
}

// SpoolPath returns a slog.Attr for a bundle's on-disk spool path
func SpoolPath(p string) slog.Attr {
	return slog.String(KeySpoolPath, p)
}

// Compression returns a slog.Attr naming the compression algorithm
func Compression(name string) slog.Attr {
	return slog.String(KeyCompression, name)
}

// Vault returns a slog.Attr for the archive service vault name
func Vault(name string) slog.Attr {
	return slog.String(KeyVault, name)
}

// ArchiveID returns a slog.Attr for a service-assigned archive id
func ArchiveID(id string) slog.Attr {
	return slog.String(KeyArchiveID, id)
}

// Region returns a slog.Attr for the archive service region
func Region(r string) slog.Attr {
	return slog.String(KeyRegion, r)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// DurationMs returns a slog.Attr for a duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
