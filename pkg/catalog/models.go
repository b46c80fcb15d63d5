package catalog

import "time"

// fileRow is the files table: a unique path relative to the backup root.
type fileRow struct {
	ID   int64  `gorm:"primaryKey"`
	Path string `gorm:"uniqueIndex;not null"`
}

func (fileRow) TableName() string { return "files" }

// attributesRow is the attributes table, deduplicated by its full tuple.
type attributesRow struct {
	ID        int64  `gorm:"primaryKey"`
	OwnerUser string `gorm:"uniqueIndex:idx_attributes_tuple"`
	OwnerGrp  string `gorm:"column:owner_group;uniqueIndex:idx_attributes_tuple"`
	UID       uint32 `gorm:"uniqueIndex:idx_attributes_tuple"`
	GID       uint32 `gorm:"column:gid;uniqueIndex:idx_attributes_tuple"`
	Mode      uint32 `gorm:"uniqueIndex:idx_attributes_tuple"`
}

func (attributesRow) TableName() string { return "attributes" }

// blockRow is the blocks table, unique by (sha1_digest, length).
type blockRow struct {
	ID         int64  `gorm:"primaryKey"`
	SHA1Digest string `gorm:"column:sha1_digest;uniqueIndex:idx_block_digest;size:40"`
	Length     int64  `gorm:"uniqueIndex:idx_block_digest"`
}

func (blockRow) TableName() string { return "blocks" }

// snapshotRow is the snapshots table.
type snapshotRow struct {
	ID              int64 `gorm:"primaryKey"`
	FileID          int64 `gorm:"index:idx_snapshot_file_time"`
	AttributesID    int64
	CTime           time.Time
	MTime           time.Time
	ATime           time.Time
	IsRegular       bool
	IsDeleted       bool
	SHA1Digest      string `gorm:"column:sha1_digest;size:40"`
	HasSHA1         bool
	Length          int64
	ObservationTime time.Time `gorm:"index:idx_snapshot_file_time"`
}

func (snapshotRow) TableName() string { return "snapshots" }

// filesToBlocksRow is the files_to_blocks table: one row per chunk ever
// observed.
type filesToBlocksRow struct {
	ID              int64 `gorm:"primaryKey"`
	FileID          int64 `gorm:"index"`
	BlockID         int64 `gorm:"index"`
	Offset          int64
	Length          int64
	SHA1Digest      string `gorm:"column:sha1_digest;size:40"`
	ObservationTime time.Time
}

func (filesToBlocksRow) TableName() string { return "files_to_blocks" }

// latestChunksCacheRow mirrors the chunk list of the most recently recorded
// snapshot for each file, serving as the dedup index for the next run.
type latestChunksCacheRow struct {
	SnapshotID      int64 `gorm:"index"`
	FilesToBlocksID int64
}

func (latestChunksCacheRow) TableName() string { return "latest_chunks_cache" }

// localBundleRow is the local_bundles table.
type localBundleRow struct {
	ID                 int64  `gorm:"primaryKey"`
	SHA256LinearDigest string `gorm:"column:sha256_linear_digest;size:64"`
	SHA256TreeDigest   string `gorm:"column:sha256_tree_digest;size:64"`
	Length             int64
}

func (localBundleRow) TableName() string { return "local_bundles" }

// localBlocksToBundlesRow records which bundles contain which blocks.
type localBlocksToBundlesRow struct {
	BlockID  int64 `gorm:"primaryKey;autoIncrement:false"`
	BundleID int64 `gorm:"primaryKey;autoIncrement:false;index"`
}

func (localBlocksToBundlesRow) TableName() string { return "local_blocks_to_bundles" }

// localBundlesToServersRow is the upload record for a bundle against a
// server.
type localBundlesToServersRow struct {
	BundleID        int64     `gorm:"primaryKey;autoIncrement:false"`
	ServerID        int64     `gorm:"primaryKey;autoIncrement:false"`
	ServerBundleID  string    `gorm:"column:server_bundle_id"`
	Status          string    `gorm:"index:idx_bundle_status"`
	StatusTimestamp time.Time `gorm:"index:idx_bundle_status"`
}

func (localBundlesToServersRow) TableName() string { return "local_bundles_to_servers" }

// serverRow names an upload destination.
type serverRow struct {
	ID     int64  `gorm:"primaryKey"`
	Name   string `gorm:"uniqueIndex"`
	Region string
	Vault  string
}

func (serverRow) TableName() string { return "servers" }

// allModels lists every table for AutoMigrate.
func allModels() []any {
	return []any{
		&fileRow{},
		&attributesRow{},
		&blockRow{},
		&snapshotRow{},
		&filesToBlocksRow{},
		&latestChunksCacheRow{},
		&localBundleRow{},
		&localBlocksToBundlesRow{},
		&localBundlesToServersRow{},
		&serverRow{},
	}
}
