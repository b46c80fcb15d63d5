// Package model holds the domain entities shared across every stage of the
// backup pipeline: scanner, snapshot, bundle, upload, and the metadata
// catalog. Instances of these types move between pipeline stages by
// reference; ownership is exclusive to whichever stage currently holds one
// (see pkg/pipeline for the handoff discipline).
package model

import "time"

// UploadStatus is the lifecycle state of a bundle's binding to a server.
type UploadStatus string

const (
	UploadPending UploadStatus = "pending"
	UploadFailed  UploadStatus = "failed"

	// Uploaded is the canonical "succeeded" status; kept as its own
	// identifier so call sites read naturally as model.Uploaded rather than
	// model.UploadUploaded.
	Uploaded UploadStatus = "uploaded"
)

// File is a path relative to the backup root. Unique by path.
type File struct {
	ID   int64
	Path string
}

// Attributes are the owner/mode metadata of one observation of a file.
// Distinct Attributes rows are deduplicated by their full tuple.
type Attributes struct {
	ID        int64
	OwnerUser string
	OwnerGrp  string
	UID       uint32
	GID       uint32
	Mode      uint32
}

// Equal reports whether two Attributes carry the same values, ignoring ID.
func (a Attributes) Equal(b Attributes) bool {
	return a.OwnerUser == b.OwnerUser && a.OwnerGrp == b.OwnerGrp &&
		a.UID == b.UID && a.GID == b.GID && a.Mode == b.Mode
}

// Block is a fixed-size span of file bytes, identified by (SHA-1, length).
// Blocks are deduplicated globally: two blocks with equal (digest, length)
// are the same block.
type Block struct {
	ID     int64
	SHA1   [20]byte
	Length int64
}

// Chunk binds a block to a specific (file, offset) observed at a point in
// time. Many chunks may reference the same block.
type Chunk struct {
	ID              int64 // files_to_blocks row id, zero until recorded
	Offset          int64
	Length          int64
	SHA1            [20]byte
	Block           Block
	ObservationTime time.Time
}

// Snapshot is one observation of a file: its attributes, ordered chunk
// list, whole-file digest, and the metadata timestamps needed to decide
// whether a later observation is "new". Immutable once recorded in the
// catalog.
type Snapshot struct {
	ID              int64
	File            File
	Attributes      Attributes
	Chunks          []Chunk
	SHA1            [20]byte
	HasSHA1         bool // whole-file digest is unset for empty/deleted files
	Length          int64
	IsRegular       bool
	IsDeleted       bool
	ATime           time.Time
	MTime           time.Time
	CTime           time.Time
	ObservationTime time.Time
}

// ContentEqual implements the "contents-equal rule" from the snapshot
// stage: two snapshots are content-equal if both are regular/deleted
// identically, have the same length and timestamps, and their whole-file
// digests agree or are unset on one side.
func (s Snapshot) ContentEqual(prev Snapshot) bool {
	if s.IsRegular != prev.IsRegular || s.IsDeleted != prev.IsDeleted {
		return false
	}
	if s.Length != prev.Length {
		return false
	}
	if !s.MTime.Equal(prev.MTime) || !s.CTime.Equal(prev.CTime) {
		return false
	}
	if s.HasSHA1 && prev.HasSHA1 {
		return s.SHA1 == prev.SHA1
	}
	return true
}

// NonContentAttributesEqual compares the fields of a snapshot that are not
// derived from file contents: ownership, mode, and atime.
func (s Snapshot) NonContentAttributesEqual(prev Snapshot) bool {
	return s.Attributes.Equal(prev.Attributes) && s.ATime.Equal(prev.ATime)
}

// BlockRecord is one entry in a BundleManifest: the block's catalog
// identity plus the digest/length needed to validate it on read-back.
type BlockRecord struct {
	BlockID int64
	SHA1    [20]byte
	Length  int64
}

// CompressionType names the compression algorithm applied to one payload
// stream inside a bundle.
type CompressionType string

const (
	CompressionNone    CompressionType = "none"
	CompressionDeflate CompressionType = "deflate"
)

// PayloadManifest describes one payload_<N>.dat stream within a bundle:
// its compression algorithm, its byte offset within the TAR container, and
// the ordered list of blocks it contains.
type PayloadManifest struct {
	Compression CompressionType
	Offset      int64
	Blocks      []BlockRecord
}

// BundleManifest is the serialized record of everything contained in a
// bundle: every payload stream and the blocks packed into it.
type BundleManifest struct {
	Payloads []PayloadManifest
}

// TotalBlocks returns the number of block records across all payloads.
func (m BundleManifest) TotalBlocks() int {
	n := 0
	for _, p := range m.Payloads {
		n += len(p.Blocks)
	}
	return n
}

// BundleAnnotations is bundle metadata that is not persisted inside the
// bundle file itself: the catalog-assigned id, content digests, the
// on-disk spool path, and the upload binding.
type BundleAnnotations struct {
	LocalID          int64
	SHA256Linear     [32]byte
	SHA256Tree       [32]byte
	Length           int64
	SpoolPath        string
	UniqueFilename   string
	ServerArchiveID  string
	UploadStatus     UploadStatus
	UploadStatusTime time.Time
}

// AnnotatedBundle pairs a finalized bundle's manifest with its annotations;
// this is the record passed from the Bundle stage to the Upload stage.
type AnnotatedBundle struct {
	Manifest    BundleManifest
	Annotations BundleAnnotations
}

// Server is a named upload destination: a Glacier region plus vault.
type Server struct {
	ID     int64
	Name   string
	Region string
	Vault  string
}

// RunSummary is the counts-only, user-visible result of one backup run.
// Per-file failures are logged as they happen, not accumulated here.
type RunSummary struct {
	FilesProcessed     int
	SnapshotsGenerated int
	BundlesGenerated   int
	BundlesUploaded    int
	Duration           time.Duration
}
