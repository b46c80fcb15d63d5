// Package catalog implements the persistent metadata catalog described in
// the backup pipeline's design: a single-file relational store that
// deduplicates blocks across snapshots and records bundle uploads. The
// Store does no locking of its own; the backup pipeline calls it from
// concurrent pool goroutines, and SQLite's WAL journaling plus the busy
// timeout set in Open serialize the writers.
package catalog

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/polarexpress/polarexpress/pkg/model"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("catalog: not found")

// Store is the GORM-backed metadata catalog: SQLite via glebarez/sqlite
// (pure Go, no cgo), opened with WAL journaling and a busy timeout, schema
// created via AutoMigrate.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the catalog database at path (conventionally
// "metadata.db" in the run's working directory).
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	// journal_mode(WAL) in normal synchronous mode: contents remain
	// consistent after a crash, the most recent writes may be lost, and
	// such losses are harmless because the affected files are re-snapshotted
	// on the next run.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("migrate catalog schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the underlying GORM handle for tests and advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func sha1Hex(digest [20]byte) string { return hex.EncodeToString(digest[:]) }

func parseSHA1(hexDigest string) (out [20]byte) {
	b, err := hex.DecodeString(hexDigest)
	if err != nil || len(b) != 20 {
		return out
	}
	copy(out[:], b)
	return out
}

// GetLatestSnapshot returns the newest recorded snapshot of the named file,
// joined with its attributes, or ErrNotFound if none exists.
func (s *Store) GetLatestSnapshot(ctx context.Context, path string) (model.Snapshot, error) {
	var file fileRow
	if err := s.db.WithContext(ctx).Where("path = ?", path).First(&file).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Snapshot{}, ErrNotFound
		}
		return model.Snapshot{}, err
	}

	var snap snapshotRow
	err := s.db.WithContext(ctx).
		Where("file_id = ?", file.ID).
		Order("observation_time DESC, id DESC").
		First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Snapshot{}, ErrNotFound
		}
		return model.Snapshot{}, err
	}

	var attrs attributesRow
	if err := s.db.WithContext(ctx).First(&attrs, snap.AttributesID).Error; err != nil {
		return model.Snapshot{}, err
	}

	var cacheRows []latestChunksCacheRow
	if err := s.db.WithContext(ctx).
		Where("snapshot_id = ?", snap.ID).
		Order("files_to_blocks_id ASC").
		Find(&cacheRows).Error; err != nil {
		return model.Snapshot{}, err
	}

	chunks := make([]model.Chunk, 0, len(cacheRows))
	for _, c := range cacheRows {
		var ftb filesToBlocksRow
		if err := s.db.WithContext(ctx).First(&ftb, c.FilesToBlocksID).Error; err != nil {
			return model.Snapshot{}, err
		}
		var block blockRow
		if err := s.db.WithContext(ctx).First(&block, ftb.BlockID).Error; err != nil {
			return model.Snapshot{}, err
		}
		chunks = append(chunks, model.Chunk{
			ID:              ftb.ID,
			Offset:          ftb.Offset,
			Length:          ftb.Length,
			SHA1:            parseSHA1(ftb.SHA1Digest),
			ObservationTime: ftb.ObservationTime,
			Block: model.Block{
				ID:     block.ID,
				SHA1:   parseSHA1(block.SHA1Digest),
				Length: block.Length,
			},
		})
	}

	return model.Snapshot{
		ID:   snap.ID,
		File: model.File{ID: file.ID, Path: file.Path},
		Attributes: model.Attributes{
			ID:        attrs.ID,
			OwnerUser: attrs.OwnerUser,
			OwnerGrp:  attrs.OwnerGrp,
			UID:       attrs.UID,
			GID:       attrs.GID,
			Mode:      attrs.Mode,
		},
		Chunks:          chunks,
		SHA1:            parseSHA1(snap.SHA1Digest),
		HasSHA1:         snap.HasSHA1,
		Length:          snap.Length,
		IsRegular:       snap.IsRegular,
		IsDeleted:       snap.IsDeleted,
		ATime:           snap.ATime,
		MTime:           snap.MTime,
		CTime:           snap.CTime,
		ObservationTime: snap.ObservationTime,
	}, nil
}

// RecordNewSnapshot assigns ids to the File, Attributes, and any new
// Blocks/Chunks, inserts the snapshot row, and rewrites the latest-chunks
// cache for the file, all inside one transaction.
func (s *Store) RecordNewSnapshot(ctx context.Context, snap *model.Snapshot) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		file, err := getOrCreate(tx, fileRow{Path: snap.File.Path}, "path = ?", snap.File.Path)
		if err != nil {
			return err
		}
		snap.File.ID = file.ID

		attrs, err := getOrCreate(tx, attributesRow{
			OwnerUser: snap.Attributes.OwnerUser,
			OwnerGrp:  snap.Attributes.OwnerGrp,
			UID:       snap.Attributes.UID,
			GID:       snap.Attributes.GID,
			Mode:      snap.Attributes.Mode,
		}, "owner_user = ? AND owner_group = ? AND uid = ? AND gid = ? AND mode = ?",
			snap.Attributes.OwnerUser, snap.Attributes.OwnerGrp, snap.Attributes.UID, snap.Attributes.GID, snap.Attributes.Mode)
		if err != nil {
			return err
		}
		snap.Attributes.ID = attrs.ID

		ftbIDs := make([]int64, 0, len(snap.Chunks))
		for i := range snap.Chunks {
			c := &snap.Chunks[i]

			block, err := getOrCreate(tx, blockRow{
				SHA1Digest: sha1Hex(c.Block.SHA1),
				Length:     c.Block.Length,
			}, "sha1_digest = ? AND length = ?", sha1Hex(c.Block.SHA1), c.Block.Length)
			if err != nil {
				return err
			}
			c.Block.ID = block.ID

			ftb := filesToBlocksRow{
				FileID:          file.ID,
				BlockID:         block.ID,
				Offset:          c.Offset,
				Length:          c.Length,
				SHA1Digest:      sha1Hex(c.SHA1),
				ObservationTime: c.ObservationTime,
			}
			if err := tx.Create(&ftb).Error; err != nil {
				return err
			}
			c.ID = ftb.ID
			ftbIDs = append(ftbIDs, ftb.ID)
		}

		row := snapshotRow{
			FileID:          file.ID,
			AttributesID:    attrs.ID,
			CTime:           snap.CTime,
			MTime:           snap.MTime,
			ATime:           snap.ATime,
			IsRegular:       snap.IsRegular,
			IsDeleted:       snap.IsDeleted,
			SHA1Digest:      sha1Hex(snap.SHA1),
			HasSHA1:         snap.HasSHA1,
			Length:          snap.Length,
			ObservationTime: snap.ObservationTime,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		snap.ID = row.ID

		if err := tx.Where("snapshot_id IN (?)",
			tx.Model(&snapshotRow{}).Select("id").Where("file_id = ? AND id != ?", file.ID, row.ID),
		).Delete(&latestChunksCacheRow{}).Error; err != nil {
			return err
		}

		for _, id := range ftbIDs {
			if err := tx.Create(&latestChunksCacheRow{SnapshotID: row.ID, FilesToBlocksID: id}).Error; err != nil {
				return err
			}
		}

		return nil
	})
}

// getOrCreate looks up an existing row by natural key before inserting a
// new one.
func getOrCreate[T any](tx *gorm.DB, candidate T, query string, args ...any) (T, error) {
	var existing T
	err := tx.Where(query, args...).First(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return existing, err
	}
	if err := tx.Create(&candidate).Error; err != nil {
		return candidate, err
	}
	return candidate, nil
}

// GetLatestBundleForBlock returns the most recently uploaded bundle
// containing the block, ordered by upload status timestamp desc then
// bundle id desc, or ErrNotFound if no bundle containing the block has
// been recorded as uploaded to serverID.
func (s *Store) GetLatestBundleForBlock(ctx context.Context, blockID int64, serverID int64) (model.BundleAnnotations, error) {
	var link localBlocksToBundlesRow
	var bundle localBundleRow
	var upload localBundlesToServersRow

	err := s.db.WithContext(ctx).
		Table("local_blocks_to_bundles AS lbtb").
		Select("lbtb.bundle_id").
		Joins("JOIN local_bundles_to_servers lbts ON lbts.bundle_id = lbtb.bundle_id AND lbts.server_id = ?", serverID).
		Where("lbtb.block_id = ? AND lbts.status = ?", blockID, string(model.Uploaded)).
		Order("lbts.status_timestamp DESC, lbtb.bundle_id DESC").
		Limit(1).
		Scan(&link).Error
	if err != nil {
		return model.BundleAnnotations{}, err
	}
	if link.BundleID == 0 {
		return model.BundleAnnotations{}, ErrNotFound
	}

	if err := s.db.WithContext(ctx).First(&bundle, link.BundleID).Error; err != nil {
		return model.BundleAnnotations{}, err
	}
	if err := s.db.WithContext(ctx).
		Where("bundle_id = ? AND server_id = ?", link.BundleID, serverID).
		First(&upload).Error; err != nil {
		return model.BundleAnnotations{}, err
	}

	return model.BundleAnnotations{
		LocalID:         bundle.ID,
		Length:          bundle.Length,
		ServerArchiveID: upload.ServerBundleID,
		UploadStatus:    model.UploadStatus(upload.Status),
	}, nil
}

// RecordNewBundle inserts the bundle row and one block-to-bundle row per
// block the bundle's manifest lists, in one transaction.
func (s *Store) RecordNewBundle(ctx context.Context, ann *model.BundleAnnotations, manifest model.BundleManifest) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := localBundleRow{
			SHA256LinearDigest: hex.EncodeToString(ann.SHA256Linear[:]),
			SHA256TreeDigest:   hex.EncodeToString(ann.SHA256Tree[:]),
			Length:             ann.Length,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		ann.LocalID = row.ID

		for _, payload := range manifest.Payloads {
			for _, b := range payload.Blocks {
				if err := tx.Create(&localBlocksToBundlesRow{BlockID: b.BlockID, BundleID: row.ID}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// RecordUploadedBundle inserts or updates the bundle-to-server mapping
// with the upload status, timestamp, and service-assigned archive id.
func (s *Store) RecordUploadedBundle(ctx context.Context, serverID int64, ann model.BundleAnnotations, when time.Time) error {
	row := localBundlesToServersRow{
		BundleID:        ann.LocalID,
		ServerID:        serverID,
		ServerBundleID:  ann.ServerArchiveID,
		Status:          string(ann.UploadStatus),
		StatusTimestamp: when,
	}
	return s.db.WithContext(ctx).
		Where("bundle_id = ? AND server_id = ?", ann.LocalID, serverID).
		Assign(row).
		FirstOrCreate(&localBundlesToServersRow{}, "bundle_id = ? AND server_id = ?", ann.LocalID, serverID).
		Error
}

// GetOrCreateServer looks up a server by name, creating it if absent.
func (s *Store) GetOrCreateServer(ctx context.Context, name, region, vault string) (model.Server, error) {
	row, err := getOrCreate(s.db.WithContext(ctx), serverRow{Name: name, Region: region, Vault: vault},
		"name = ?", name)
	if err != nil {
		return model.Server{}, err
	}
	return model.Server{ID: row.ID, Name: row.Name, Region: row.Region, Vault: row.Vault}, nil
}
